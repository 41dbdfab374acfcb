package mux

import (
	"errors"

	"github.com/andrebq/peermux/internal/queue"
	"github.com/andrebq/peermux/relay/peerid"
	"github.com/andrebq/peermux/relay/protocol"
	"github.com/andrebq/peermux/relay/transport"
)

// handleFrame routes one frame read from the relay. It runs only on the
// dispatch goroutine, so frames are handled one at a time and in order.
func (m *Multiplexer) handleFrame(f transport.Frame) {
	switch f.Kind {
	case transport.Text:
		m.handleCommand(f.Data)
	case transport.Binary:
		m.handlePayload(f.Data)
	default:
		m.log.Warn("Ignoring frame of unknown kind", "kind", f.Kind)
		m.metrics.drop("unknown_kind")
	}
}

func (m *Multiplexer) handleCommand(data []byte) {
	cmd, err := protocol.Decode(string(data))
	if err != nil {
		m.log.Warn("Dropping malformed command from relay", "err", err, "size", len(data))
		m.metrics.drop("malformed_command")
		return
	}
	m.metrics.command(cmd.Type.String())
	switch cmd.Type {
	case protocol.Ping:
	case protocol.DisconnectPeer:
		m.peerGone(cmd.Disconnect.From)
	}
}

// peerGone handles a disconnect announced by the relay.
func (m *Multiplexer) peerGone(peer peerid.ID) {
	m.mutex.Lock()
	s, found := m.table[peer]
	if found {
		delete(m.table, peer)
		s.halt()
	}
	m.mutex.Unlock()

	if !found {
		m.log.Info("Relay disconnected a peer we do not know", "peer", peer.Short())
		m.metrics.drop("unknown_peer")
		return
	}
	m.log.Info("Relay disconnected peer", "peer", peer.Short(), "socket", s.id)
	m.forget(s, ReasonRelay)
}

func (m *Multiplexer) handlePayload(data []byte) {
	if len(data) < peerid.Size {
		m.log.Warn("Dropping binary frame shorter than a peer id", "size", len(data))
		m.metrics.drop("short_frame")
		return
	}
	peer, _ := peerid.FromBytes(data[:peerid.Size])
	payload := data[peerid.Size:]

	m.mutex.Lock()
	s, found := m.table[peer]
	if !found {
		s = m.newSocket(peer)
		m.table[peer] = s
	}
	m.mutex.Unlock()

	if found {
		m.deliver(s, payload)
		return
	}

	m.log.Info("New inbound peer", "peer", peer.Short(), "socket", s.id)
	m.opened(s, true)
	if err := m.pm.NewInboundConnection(s, nil); err != nil {
		m.log.Info("Peer manager rejected inbound peer", "peer", peer.Short(), "socket", s.id, "err", err)
		m.reject(s)
		return
	}
	m.deliver(s, payload)
}

// reject unwinds a socket refused by the peer manager. The peer manager may
// have disconnected it already, then release owns the removal.
func (m *Multiplexer) reject(s *VirtualSocket) {
	m.mutex.Lock()
	owned := m.table[s.peer] == s
	if owned {
		delete(m.table, s.peer)
	}
	m.mutex.Unlock()
	s.Disconnect()
	if owned {
		m.forget(s, ReasonRejected)
	}
}

func (m *Multiplexer) deliver(s *VirtualSocket, payload []byte) {
	err := s.deliver(payload)
	if err == nil {
		return
	}
	m.metrics.drop(dropReasonForQueue("inbound", err))
	if errors.Is(err, queue.ErrClosed) {
		return
	}
	m.log.Warn("Unable to deliver payload to socket", "peer", s.peer.Short(), "socket", s.id, "err", err)
}

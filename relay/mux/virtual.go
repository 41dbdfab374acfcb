package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/andrebq/peermux/internal/queue"
	"github.com/andrebq/peermux/relay/peerid"
	"github.com/andrebq/peermux/relay/protocol"
	"github.com/andrebq/peermux/relay/transport"
)

type (
	// VirtualSocket is one peer behind the shared relay connection.
	// Outgoing data is prefixed with the peer id and queued on the
	// multiplexer outbound queue, incoming data arrives on a private queue
	// fed by the dispatch loop.
	VirtualSocket struct {
		socketCore

		peer peerid.ID
		self peerid.ID

		outbound *queue.Q[transport.Frame]
		inbound  *queue.Q[[]byte]

		log     *slog.Logger
		metrics *Metrics

		// release removes the socket from its multiplexer after a local
		// Disconnect.
		release func(*VirtualSocket)
	}
)

var _ Socket = (*VirtualSocket)(nil)

func (s *VirtualSocket) Peer() peerid.ID { return s.peer }
func (s *VirtualSocket) Self() peerid.ID { return s.self }

func (s *VirtualSocket) String() string {
	return fmt.Sprintf("(%v %v)", s.id, s.peer.Short())
}

func (s *VirtualSocket) Send(data []byte) int {
	if s.Stopped() {
		s.log.Debug("Ignoring send on stopped socket", "socket", s.id)
		return 0
	}
	buf := make([]byte, 0, peerid.Size+len(data))
	buf = append(buf, s.peer[:]...)
	buf = append(buf, data...)
	if err := s.outbound.Push(transport.BinaryFrame(buf)); err != nil {
		s.metrics.drop(dropReasonForQueue("outbound", err))
		s.log.Debug("Unable to queue outbound data", "socket", s.id, "err", err)
		return 0
	}
	return len(data)
}

// Disconnect tells the relay we are done with the peer and stops the socket.
// Only the first call has any effect.
func (s *VirtualSocket) Disconnect() {
	if !s.halt() {
		return
	}
	s.log.Debug("Disconnecting socket", "socket", s.id)
	cmd := protocol.MustEncode(protocol.NewDisconnect(s.peer, s.self))
	if err := s.outbound.Push(transport.TextFrame(cmd)); err != nil {
		s.log.Error("Unable to queue disconnect command for relay", "socket", s.id, "err", err)
	}
	if s.release != nil {
		go s.release(s)
	}
}

// Read waits for the next payload from the peer.
func (s *VirtualSocket) Read(ctx context.Context) ([]byte, error) {
	if s.Stopped() {
		return nil, ErrSocketStopped
	}
	buf, err := s.inbound.Pop(ctx)
	switch {
	case errors.Is(err, queue.ErrClosed):
		return nil, ErrSocketStopped
	case err != nil:
		return nil, err
	case s.Stopped():
		return nil, ErrSocketStopped
	}
	return buf, nil
}

// halt stops the socket without talking to the relay, used when the relay
// or a reconnect already dropped the peer.
func (s *VirtualSocket) halt() bool {
	if !s.markStopped() {
		return false
	}
	s.inbound.Close()
	return true
}

func (s *VirtualSocket) deliver(payload []byte) error {
	return s.inbound.Push(payload)
}

func dropReasonForQueue(prefix string, err error) string {
	if errors.Is(err, queue.ErrClosed) {
		return prefix + "_closed"
	}
	return prefix + "_full"
}

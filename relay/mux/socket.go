package mux

import (
	"context"
	"net"
	"sync/atomic"
)

type (
	// Socket is what the peer manager sees for each remote peer.
	//
	// There are exactly two implementations, *VirtualSocket (one peer over a
	// shared relay connection) and *DirectSocket (one relay connection per
	// peer). Equality is defined by ID alone.
	Socket interface {
		ID() uint64
		// Send queues data and returns how many bytes were accepted, 0 means
		// the socket is gone. It never blocks.
		Send(data []byte) int
		// Disconnect is idempotent.
		Disconnect()
		Read(ctx context.Context) ([]byte, error)
		Equal(other Socket) bool
		String() string

		core() *socketCore
	}

	// PeerManager is the protocol engine that owns handshakes and messages.
	PeerManager interface {
		// NewInboundConnection offers a socket for a peer that contacted us
		// first. Returning an error rejects it.
		NewInboundConnection(s Socket, remote net.Addr) error
		// SocketDisconnected is called exactly once for every socket.
		SocketDisconnected(s Socket)
	}

	// Handler is a PeerManager that also consumes the data read by PumpReads.
	Handler interface {
		PeerManager
		ReadEvent(s Socket, data []byte) error
	}

	// IDSource hands out socket identities. Each multiplexer has its own.
	IDSource struct {
		next atomic.Uint64
	}

	socketKind byte

	socketCore struct {
		id       uint64
		kind     socketKind
		stopped  atomic.Bool
		notified atomic.Bool
	}
)

const (
	virtualKind = socketKind(iota + 1)
	directKind
)

func (s *IDSource) Next() uint64 {
	return s.next.Add(1) - 1
}

func (c *socketCore) ID() uint64         { return c.id }
func (c *socketCore) core() *socketCore  { return c }
func (c *socketCore) Stopped() bool      { return c.stopped.Load() }
func (c *socketCore) markStopped() bool  { return c.stopped.CompareAndSwap(false, true) }
func (c *socketCore) markNotified() bool { return c.notified.CompareAndSwap(false, true) }

// Equal is true when other is the same kind of socket with the same
// identity.
func (c *socketCore) Equal(other Socket) bool {
	if isNil(other) {
		return false
	}
	o := other.core()
	return o.kind == c.kind && o.id == c.id
}

func isNil(s Socket) bool {
	switch s := s.(type) {
	case nil:
		return true
	case *VirtualSocket:
		return s == nil
	case *DirectSocket:
		return s == nil
	}
	return false
}

// notifyDisconnected delivers SocketDisconnected at most once per socket.
func notifyDisconnected(pm PeerManager, s Socket) bool {
	if pm == nil || !s.core().markNotified() {
		return false
	}
	pm.SocketDisconnected(s)
	return true
}

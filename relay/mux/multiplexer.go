// Package mux fans a single relay connection out into one virtual socket per
// remote peer.
//
// Binary frames on the relay connection are `peer id (33 bytes) ‖ payload`,
// text frames carry control commands (see package protocol). The
// Multiplexer owns the connection, the address table and two goroutines: the
// dispatch loop reading frames from the relay and the outbound pump writing
// the frames queued by every virtual socket.
package mux

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/andrebq/peermux/internal/queue"
	"github.com/andrebq/peermux/relay/peerid"
	"github.com/andrebq/peermux/relay/protocol"
	"github.com/andrebq/peermux/relay/transport"
	"github.com/benbjohnson/clock"
)

type (
	Config struct {
		// Self is our own peer id, sent as `from` in disconnect commands.
		Self peerid.ID

		Logger   *slog.Logger
		Metrics  *Metrics
		Observer Observer
		Clock    clock.Clock

		// OutboundQueue is the capacity of the queue shared by every socket.
		OutboundQueue int
		// InboundQueue is the capacity of each socket private queue.
		InboundQueue int
		// Overflow applies to both queues.
		Overflow queue.Policy

		// OnConnect is called by Maintain after each successful Connect.
		OnConnect func()
	}

	Multiplexer struct {
		cfg      Config
		log      *slog.Logger
		metrics  *Metrics
		observer Observer
		pm       PeerManager
		ids      IDSource

		outbound *queue.Q[transport.Frame]

		// guards the address table
		mutex sync.Mutex
		table map[peerid.ID]*VirtualSocket

		// serializes Connect and Close
		connectMutex sync.Mutex

		connMutex sync.RWMutex
		conn      transport.Transport
		att       *attachment

		connected atomic.Bool
		stopped   atomic.Bool
	}

	// attachment is the lifetime of the loops bound to one transport.
	attachment struct {
		conn   transport.Transport
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
)

const (
	DefaultOutboundQueue = 4096
	DefaultInboundQueue  = 1024
)

var pingText = protocol.MustEncode(protocol.NewPing())

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = DefaultOutboundQueue
	}
	if c.InboundQueue <= 0 {
		c.InboundQueue = DefaultInboundQueue
	}
	return c
}

// New prepares a multiplexer without a transport, Connect must be called
// before any traffic flows.
func New(pm PeerManager, cfg Config) *Multiplexer {
	cfg = cfg.withDefaults()
	m := &Multiplexer{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "mux", "self", cfg.Self.Short()),
		metrics:  cfg.Metrics,
		observer: cfg.Observer,
		pm:       pm,
		outbound: queue.New[transport.Frame](cfg.OutboundQueue, cfg.Overflow),
		table:    make(map[peerid.ID]*VirtualSocket),
	}
	m.log.Info("Setting up relay multiplexer")
	return m
}

func (m *Multiplexer) Self() peerid.ID { return m.cfg.Self }

func (m *Multiplexer) Connected() bool { return m.connected.Load() }

// Connect attaches conn and starts the dispatch and outbound loops.
//
// Any previous transport is closed and its loops are awaited. Every socket
// left in the address table is stopped and reported to the peer manager
// before the first frame from conn is processed. Outbound frames still
// queued for the previous transport are discarded.
func (m *Multiplexer) Connect(conn transport.Transport) error {
	if m.stopped.Load() {
		return ErrClosed
	}
	m.connectMutex.Lock()
	defer m.connectMutex.Unlock()
	if m.stopped.Load() {
		return ErrClosed
	}
	m.log.Debug("Connecting relay transport")

	if err := m.detach(); err != nil {
		m.log.Debug("Previous transport did not close cleanly", "err", err)
	}
	if n := m.outbound.Drain(); n > 0 {
		m.log.Debug("Discarded stale outbound frames", "count", n)
		for i := 0; i < n; i++ {
			m.metrics.drop("stale_outbound")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	att := &attachment{conn: conn, cancel: cancel}

	m.mutex.Lock()
	stale := m.takeAll()
	m.connMutex.Lock()
	m.conn = conn
	m.att = att
	m.connMutex.Unlock()
	m.connected.Store(true)
	m.mutex.Unlock()

	for _, s := range stale {
		m.forget(s, ReasonReconnect)
	}

	m.metrics.connected()
	att.wg.Add(2)
	go m.dispatchLoop(ctx, att)
	go m.outboundLoop(ctx, att)
	return nil
}

// CreateSubsocket registers a socket for an outbound connection to peer. A
// socket already registered for the same peer is stopped and reported as
// disconnected.
func (m *Multiplexer) CreateSubsocket(peer peerid.ID) *VirtualSocket {
	s := m.newSocket(peer)
	m.mutex.Lock()
	old := m.table[peer]
	m.table[peer] = s
	m.mutex.Unlock()

	if old != nil {
		old.halt()
		m.forget(old, ReasonReplaced)
	}
	m.opened(s, false)
	return s
}

// KeepAlive sends a ping to the relay, it does nothing before the first
// Connect.
func (m *Multiplexer) KeepAlive() {
	m.connMutex.RLock()
	conn := m.conn
	m.connMutex.RUnlock()
	if conn == nil {
		return
	}
	conn.Send(transport.TextFrame(pingText))
	m.metrics.frameOut(transport.Text.String())
}

// Peers returns the peers currently in the address table, sorted.
func (m *Multiplexer) Peers() []peerid.ID {
	m.mutex.Lock()
	ret := make([]peerid.ID, 0, len(m.table))
	for p := range m.table {
		ret = append(ret, p)
	}
	m.mutex.Unlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i].Less(ret[j]) })
	return ret
}

// Socket returns the socket registered for peer.
func (m *Multiplexer) Socket(peer peerid.ID) (*VirtualSocket, bool) {
	m.mutex.Lock()
	s, found := m.table[peer]
	m.mutex.Unlock()
	return s, found
}

// Close stops both loops, closes the transport and reports every remaining
// socket as disconnected. Sockets can no longer send afterwards.
func (m *Multiplexer) Close() error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	m.connectMutex.Lock()
	defer m.connectMutex.Unlock()

	err := m.detach()
	m.connected.Store(false)
	m.outbound.Close()

	m.mutex.Lock()
	stale := m.takeAll()
	m.mutex.Unlock()
	for _, s := range stale {
		m.forget(s, ReasonShutdown)
	}
	m.log.Info("Relay multiplexer closed")
	return err
}

// detach ends the current attachment and waits for its loops. The transport
// field keeps pointing at the old connection.
func (m *Multiplexer) detach() error {
	m.connMutex.Lock()
	att := m.att
	m.att = nil
	m.connMutex.Unlock()
	if att == nil {
		return nil
	}
	att.cancel()
	err := att.conn.Close()
	att.wg.Wait()
	return err
}

func (m *Multiplexer) dispatchLoop(ctx context.Context, att *attachment) {
	defer att.wg.Done()
	defer att.cancel()
	m.log.Debug("Starting relay reader")
	for {
		f, err := att.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warn("Unable to read from relay connection", "err", err)
				m.connected.Store(false)
			}
			m.log.Debug("Leaving relay reader")
			return
		}
		m.metrics.frameIn(f.Kind.String())
		m.handleFrame(f)
	}
}

func (m *Multiplexer) outboundLoop(ctx context.Context, att *attachment) {
	defer att.wg.Done()
	m.log.Debug("Starting relay writer")
	for {
		f, err := m.outbound.Pop(ctx)
		if err != nil {
			m.log.Debug("Leaving relay writer", "err", err)
			return
		}
		att.conn.Send(f)
		m.metrics.frameOut(f.Kind.String())
	}
}

func (m *Multiplexer) newSocket(peer peerid.ID) *VirtualSocket {
	s := &VirtualSocket{
		peer:     peer,
		self:     m.cfg.Self,
		outbound: m.outbound,
		inbound:  queue.New[[]byte](m.cfg.InboundQueue, m.cfg.Overflow),
		metrics:  m.metrics,
		release:  m.release,
	}
	s.id = m.ids.Next()
	s.kind = virtualKind
	s.log = m.log.With("peer", peer.Short())
	return s
}

// release is the tail of VirtualSocket.Disconnect.
func (m *Multiplexer) release(s *VirtualSocket) {
	m.mutex.Lock()
	owned := m.table[s.peer] == s
	if owned {
		delete(m.table, s.peer)
	}
	m.mutex.Unlock()
	if owned {
		m.forget(s, ReasonLocal)
	}
}

// takeAll empties the table and stops every socket. Callers hold m.mutex.
func (m *Multiplexer) takeAll() []*VirtualSocket {
	ret := make([]*VirtualSocket, 0, len(m.table))
	for peer, s := range m.table {
		s.halt()
		delete(m.table, peer)
		ret = append(ret, s)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].id < ret[j].id })
	return ret
}

func (m *Multiplexer) opened(s *VirtualSocket, inbound bool) {
	m.metrics.socketOpened()
	m.observer.SocketOpened(s.peer, s.id, inbound)
}

// forget runs once for every socket removed from the table. It must be
// called without holding m.mutex, peer managers may call back into us.
func (m *Multiplexer) forget(s *VirtualSocket, reason string) {
	m.log.Debug("Socket removed", "socket", s.id, "peer", s.peer.Short(), "reason", reason)
	m.metrics.socketClosed()
	m.observer.SocketClosed(s.peer, s.id, reason)
	notifyDisconnected(m.pm, s)
}

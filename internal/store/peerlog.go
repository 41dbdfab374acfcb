package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/andrebq/peermux/relay/peerid"
	"github.com/google/uuid"
)

type (
	// PeerLog records socket lifecycle events of one session. Its methods
	// match the multiplexer observer hooks and only queue the event, a
	// single writer goroutine stores them in order.
	PeerLog struct {
		st      *Store
		session string
		log     *slog.Logger
		timeout time.Duration

		events chan PeerEvent
		done   chan struct{}

		mutex  sync.Mutex
		closed bool
	}
)

// PeerLogBuffer is how many events can wait for the writer before new ones
// are dropped.
const PeerLogBuffer = 256

// NewPeerLog starts a new session, when session is empty a random one is
// generated. Close must be called to flush pending events.
func NewPeerLog(st *Store, session string, log *slog.Logger) *PeerLog {
	if session == "" {
		session = uuid.NewString()
	}
	if log == nil {
		log = slog.Default()
	}
	p := &PeerLog{
		st:      st,
		session: session,
		log:     log.With("component", "store/peerlog", "session", session),
		timeout: time.Second * 5,
		events:  make(chan PeerEvent, PeerLogBuffer),
		done:    make(chan struct{}),
	}
	go p.writer()
	return p
}

func (p *PeerLog) Session() string { return p.session }

func (p *PeerLog) SocketOpened(peer peerid.ID, socket uint64, inbound bool) {
	p.record(PeerEvent{Peer: peer, Socket: socket, Event: EventOpened, Inbound: inbound})
}

func (p *PeerLog) SocketClosed(peer peerid.ID, socket uint64, reason string) {
	p.record(PeerEvent{Peer: peer, Socket: socket, Event: EventClosed, Reason: reason})
}

// Close waits until every queued event is stored. Events recorded afterwards
// are discarded.
func (p *PeerLog) Close() error {
	p.mutex.Lock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	p.mutex.Unlock()
	<-p.done
	return nil
}

func (p *PeerLog) record(ev PeerEvent) {
	ev.Session = p.session
	ev.At = p.st.now()

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		p.log.Debug("Ignoring peer event after close", "peer", ev.Peer.Short(), "event", ev.Event)
		return
	}
	select {
	case p.events <- ev:
	default:
		p.log.Warn("Peer log is falling behind, dropping event", "peer", ev.Peer.Short(), "event", ev.Event)
	}
}

func (p *PeerLog) writer() {
	defer close(p.done)
	for ev := range p.events {
		p.write(ev)
	}
}

func (p *PeerLog) write(ev PeerEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	ops := p.st.Ops(true)
	ops.Fail(ops.Peers().Record(ctx, ev))
	if err := ops.Close(); err != nil {
		p.log.Error("Unable to record peer event", "peer", ev.Peer.Short(), "event", ev.Event, "err", err)
	}
}

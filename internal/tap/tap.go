// Package tap is a diagnostic peer manager. It accepts peers, reads
// everything they send and keeps per socket counters, optionally echoing
// each payload back.
package tap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/andrebq/peermux/relay/mux"
	"github.com/andrebq/peermux/relay/peerid"
)

type (
	Stats struct {
		Socket  uint64    `json:"socket"`
		Peer    peerid.ID `json:"peer"`
		Inbound bool      `json:"inbound"`
		Open    bool      `json:"open"`
		Frames  uint64    `json:"frames"`
		Bytes   uint64    `json:"bytes"`
	}

	Option func(*Tap)

	Tap struct {
		ctx  context.Context
		log  *slog.Logger
		echo bool

		allow map[peerid.ID]struct{}

		mutex sync.Mutex
		stats map[uint64]*Stats

		wg sync.WaitGroup
	}
)

var (
	ErrNotAllowed = fmt.Errorf("%w: peer not in allow list", mux.ErrRejected)
)

var _ mux.Handler = (*Tap)(nil)

// Allow restricts inbound connections to peers, by default every peer is
// accepted.
func Allow(peers ...peerid.ID) Option {
	return func(t *Tap) {
		if t.allow == nil {
			t.allow = map[peerid.ID]struct{}{}
		}
		for _, p := range peers {
			t.allow[p] = struct{}{}
		}
	}
}

// Echo sends every payload back to its sender.
func Echo() Option {
	return func(t *Tap) { t.echo = true }
}

func WithLogger(log *slog.Logger) Option {
	return func(t *Tap) { t.log = log }
}

// New returns a tap whose readers stop when ctx is done.
func New(ctx context.Context, opts ...Option) *Tap {
	t := &Tap{
		ctx:   ctx,
		log:   slog.Default(),
		stats: map[uint64]*Stats{},
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.With("component", "tap")
	return t
}

func (t *Tap) NewInboundConnection(s mux.Socket, remote net.Addr) error {
	peer := peerOf(s)
	if t.allow != nil {
		if _, ok := t.allow[peer]; !ok {
			t.log.Info("Rejecting peer", "peer", peer.Short(), "socket", s.ID())
			return ErrNotAllowed
		}
	}
	t.log.Info("Accepted inbound peer", "peer", peer.Short(), "socket", s.ID(), "remote", remote)
	t.start(s, peer, true)
	return nil
}

// Track starts reading from a socket we opened ourselves.
func (t *Tap) Track(s mux.Socket) {
	peer := peerOf(s)
	t.log.Info("Tracking outbound socket", "peer", peer.Short(), "socket", s.ID())
	t.start(s, peer, false)
}

func (t *Tap) SocketDisconnected(s mux.Socket) {
	t.mutex.Lock()
	st, ok := t.stats[s.ID()]
	if ok {
		st.Open = false
	}
	t.mutex.Unlock()
	t.log.Info("Socket disconnected", "socket", s)
}

func (t *Tap) ReadEvent(s mux.Socket, data []byte) error {
	t.mutex.Lock()
	if st, ok := t.stats[s.ID()]; ok {
		st.Frames++
		st.Bytes += uint64(len(data))
	}
	t.mutex.Unlock()
	t.log.Debug("Payload received", "socket", s, "size", len(data))
	if t.echo && s.Send(data) != len(data) {
		t.log.Warn("Unable to echo payload", "socket", s, "size", len(data))
	}
	return nil
}

// Snapshot returns the counters of every socket seen so far, ordered by
// socket id.
func (t *Tap) Snapshot() []Stats {
	t.mutex.Lock()
	ret := make([]Stats, 0, len(t.stats))
	for _, st := range t.stats {
		ret = append(ret, *st)
	}
	t.mutex.Unlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i].Socket < ret[j].Socket })
	return ret
}

// Wait blocks until every reader started by the tap has returned.
func (t *Tap) Wait() {
	t.wg.Wait()
}

// Serve reads from s until it stops, on the calling goroutine. peer is
// what the counters of s are filed under.
func (t *Tap) Serve(s mux.Socket, peer peerid.ID) error {
	t.register(s, peer, false)
	return mux.PumpReads(t.ctx, s, t)
}

func (t *Tap) register(s mux.Socket, peer peerid.ID, inbound bool) {
	t.mutex.Lock()
	t.stats[s.ID()] = &Stats{Socket: s.ID(), Peer: peer, Inbound: inbound, Open: true}
	t.mutex.Unlock()
}

func (t *Tap) start(s mux.Socket, peer peerid.ID, inbound bool) {
	t.register(s, peer, inbound)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := mux.PumpReads(t.ctx, s, t)
		if err != nil && !errors.Is(err, context.Canceled) {
			t.log.Warn("Reader stopped", "socket", s, "err", err)
		}
	}()
}

func peerOf(s mux.Socket) peerid.ID {
	if vs, ok := s.(*mux.VirtualSocket); ok {
		return vs.Peer()
	}
	return peerid.ID{}
}

package mux_test

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andrebq/peermux/internal/queue"
	"github.com/andrebq/peermux/relay/mux"
	"github.com/andrebq/peermux/relay/peerid"
	"github.com/andrebq/peermux/relay/protocol"
	"github.com/andrebq/peermux/relay/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	self  = peerid.MustParseHex("02e6642fd69bd211f93f7f1f36ca51a26a5290eb2dd1b0d8279a87bb0d480c8443")
	peerA = peerid.MustParseHex("03b661d965727a0751bd876efe3c826f89d5056f98501924222abd552bc2ba0ab1")
	peerB = fakePeer(0xb0)
)

const waitFor = time.Second * 2

type (
	fakePM struct {
		mutex    sync.Mutex
		events   []string
		inbound  []mux.Socket
		gone     []mux.Socket
		reject   error
		hangUp   bool
		gate     chan struct{}
		received []string
	}

	harness struct {
		m       *mux.Multiplexer
		relay   *transport.Memory
		pm      *fakePM
		metrics *mux.Metrics
		barrier byte
	}
)

func fakePeer(b byte) peerid.ID {
	var id peerid.ID
	id[0] = 0x02
	for i := 1; i < len(id); i++ {
		id[i] = b
	}
	return id
}

func frame(p peerid.ID, payload string) transport.Frame {
	return transport.BinaryFrame(append(p.Bytes(), payload...))
}

func (f *fakePM) NewInboundConnection(s mux.Socket, _ net.Addr) error {
	f.mutex.Lock()
	f.inbound = append(f.inbound, s)
	f.events = append(f.events, "inbound "+s.(*mux.VirtualSocket).Peer().Short())
	gate, reject, hangUp := f.gate, f.reject, f.hangUp
	f.mutex.Unlock()
	if gate != nil {
		<-gate
	}
	if hangUp {
		s.Disconnect()
	}
	return reject
}

func (f *fakePM) SocketDisconnected(s mux.Socket) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.gone = append(f.gone, s)
	name := s.String()
	if vs, ok := s.(*mux.VirtualSocket); ok {
		name = vs.Peer().Short()
	}
	f.events = append(f.events, "gone "+name)
}

func (f *fakePM) ReadEvent(s mux.Socket, data []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.received = append(f.received, string(data))
	if string(data) == "fail" {
		return errors.New("cannot handle")
	}
	return nil
}

func (f *fakePM) snapshot() (inbound, gone []mux.Socket, events []string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]mux.Socket(nil), f.inbound...),
		append([]mux.Socket(nil), f.gone...),
		append([]string(nil), f.events...)
}

func (f *fakePM) goneCount() int {
	_, gone, _ := f.snapshot()
	return len(gone)
}

func newHarness(t *testing.T, cfg mux.Config) *harness {
	t.Helper()
	h := &harness{pm: &fakePM{}, barrier: 0x10}
	h.metrics = mux.NewMetrics(prometheus.NewRegistry())
	cfg.Self = self
	cfg.Metrics = h.metrics
	h.m = mux.New(h.pm, cfg)
	t.Cleanup(func() { h.m.Close() })
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	local, relay := transport.Pipe()
	h.relay = relay
	require.NoError(t, h.m.Connect(local))
	require.True(t, h.m.Connected())
}

// inboundFor waits until the peer manager is offered a socket for peer.
func (h *harness) inboundFor(t *testing.T, peer peerid.ID) *mux.VirtualSocket {
	t.Helper()
	var found *mux.VirtualSocket
	require.Eventually(t, func() bool {
		inbound, _, _ := h.pm.snapshot()
		for _, s := range inbound {
			if vs := s.(*mux.VirtualSocket); vs.Peer() == peer {
				found = vs
				return true
			}
		}
		return false
	}, waitFor, time.Millisecond*5)
	return found
}

// sync makes sure every frame sent by the relay so far was dispatched. It
// uses a fresh peer each time, which ends up in the address table.
func (h *harness) sync(t *testing.T) peerid.ID {
	t.Helper()
	h.barrier++
	peer := fakePeer(h.barrier)
	h.relay.Send(frame(peer, "sync"))
	h.inboundFor(t, peer)
	return peer
}

func (h *harness) relayRead(t *testing.T) transport.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	f, err := h.relay.Read(ctx)
	require.NoError(t, err)
	return f
}

func (h *harness) relayIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	f, err := h.relay.Read(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected frame %v %q", f.Kind, f.Data)
}

func read(t *testing.T, s mux.Socket) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	data, err := s.Read(ctx)
	require.NoError(t, err)
	return string(data)
}

func TestSocketIdentity(t *testing.T) {
	h := newHarness(t, mux.Config{})
	h.connect(t)

	a := h.m.CreateSubsocket(peerA)
	b := h.m.CreateSubsocket(peerB)
	var dup mux.Socket = a

	assert.NotEqual(t, a.ID(), b.ID())
	assert.False(t, a.Equal(b))
	assert.True(t, a.Equal(dup))
	assert.True(t, dup.Equal(a))

	again := h.m.CreateSubsocket(peerA)
	assert.False(t, again.Equal(a), "same peer at a different time is another socket")
	assert.NotEqual(t, a.ID(), again.ID())

	keys := map[uint64]mux.Socket{}
	for _, s := range []mux.Socket{a, b, again} {
		keys[s.ID()] = s
	}
	assert.Len(t, keys, 3)

	// the replaced socket is reported once and no longer sends
	_, gone, _ := h.pm.snapshot()
	require.Len(t, gone, 1)
	assert.True(t, gone[0].Equal(a))
	assert.Equal(t, 0, a.Send([]byte("late")))
	// sorted by bytes: peerB starts with 0x02, peerA with 0x03
	assert.Equal(t, []peerid.ID{peerB, peerA}, h.m.Peers())
}

func TestIdentityIsPerMultiplexer(t *testing.T) {
	one := newHarness(t, mux.Config{})
	two := newHarness(t, mux.Config{})
	assert.Equal(t, uint64(0), one.m.CreateSubsocket(peerA).ID())
	assert.Equal(t, uint64(0), two.m.CreateSubsocket(peerA).ID())
	assert.Equal(t, uint64(1), one.m.CreateSubsocket(peerB).ID())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, mux.Config{})
	h.connect(t)
	s := h.m.CreateSubsocket(peerA)

	s.Disconnect()
	s.Disconnect()

	f := h.relayRead(t)
	require.Equal(t, transport.Text, f.Kind)
	cmd, err := protocol.Decode(f.Text())
	require.NoError(t, err)
	require.Equal(t, protocol.DisconnectPeer, cmd.Type)
	assert.Equal(t, peerA, cmd.Disconnect.To)
	assert.Equal(t, self, cmd.Disconnect.From)
	h.relayIdle(t)

	require.Eventually(t, func() bool { return h.pm.goneCount() == 1 }, waitFor, time.Millisecond*5)
	s.Disconnect()
	h.sync(t)
	assert.Equal(t, 1, h.pm.goneCount())
	_, found := h.m.Socket(peerA)
	assert.False(t, found)

	_, err = s.Read(context.Background())
	assert.ErrorIs(t, err, mux.ErrSocketStopped)
	assert.Equal(t, 0, s.Send([]byte("hello")))
}

func TestRoundTrip(t *testing.T) {
	h := newHarness(t, mux.Config{})
	h.connect(t)

	h.relay.Send(frame(peerA, "hello"))
	h.relay.Send(frame(peerB, ""))
	h.relay.Send(frame(peerA, "world"))

	a := h.inboundFor(t, peerA)
	b := h.inboundFor(t, peerB)
	assert.Equal(t, "hello", read(t, a))
	assert.Equal(t, "world", read(t, a))
	assert.Equal(t, "", read(t, b))

	inbound, _, _ := h.pm.snapshot()
	assert.Len(t, inbound, 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()
	_, err := a.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "nothing is duplicated")
}

func TestShortFrameIsDropped(t *testing.T) {
	h := newHarness(t, mux.Config{})
	h.connect(t)

	h.relay.Send(transport.BinaryFrame(peerA.Bytes()[:peerid.Size-1]))
	h.relay.Send(transport.BinaryFrame(nil))
	barrier := h.sync(t)

	inbound, gone, _ := h.pm.snapshot()
	assert.Len(t, inbound, 1)
	assert.Empty(t, gone)
	assert.Equal(t, []peerid.ID{barrier}, h.m.Peers())
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.Dropped.WithLabelValues("short_frame")))
}

func TestMalformedCommandIsDropped(t *testing.T) {
	h := newHarness(t, mux.Config{})
	h.connect(t)

	h.relay.Send(transport.TextFrame(`{"Dance":{}}`))
	h.relay.Send(transport.TextFrame(`not json`))
	h.relay.Send(transport.TextFrame(`{"Ping":{}}`))
	h.sync(t)

	assert.True(t, h.m.Connected())
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.Dropped.WithLabelValues("malformed_command")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Commands.WithLabelValues("Ping")))
}

func TestUnknownDisconnectIsNoop(t *testing.T) {
	h := newHarness(t, mux.Config{})
	h.connect(t)
	a := h.m.CreateSubsocket(peerA)

	h.relay.Send(transport.TextFrame(protocol.MustEncode(protocol.NewDisconnect(self, peerB))))
	h.sync(t)

	assert.Equal(t, 0, h.pm.goneCount())
	assert.False(t, a.Stopped())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Dropped.WithLabelValues("unknown_peer")))
}

func TestRelayDisconnect(t *testing.T) {
	h := newHarness(t, mux.Config{})
	h.connect(t)
	a := h.m.CreateSubsocket(peerA)

	h.relay.Send(transport.TextFrame(protocol.MustEncode(protocol.NewDisconnect(self, peerA))))
	h.sync(t)

	_, gone, _ := h.pm.snapshot()
	require.Len(t, gone, 1)
	assert.True(t, gone[0].Equal(a))
	assert.True(t, a.Stopped())
	_, found := h.m.Socket(peerA)
	assert.False(t, found)

	// the relay already knows, a later Disconnect does not notify again
	a.Disconnect()
	h.sync(t)
	assert.Equal(t, 1, h.pm.goneCount())
}

func TestConnectClearsStaleEntries(t *testing.T) {
	h := newHarness(t, mux.Config{})
	stale := h.m.CreateSubsocket(peerA)

	local, relay := transport.Pipe()
	h.relay = relay
	relay.Send(frame(peerB, "first"))
	require.NoError(t, h.m.Connect(local))

	// reported synchronously, before any frame of the new transport
	_, gone, events := h.pm.snapshot()
	require.Len(t, gone, 1)
	assert.True(t, gone[0].Equal(stale))
	assert.Equal(t, "gone "+peerA.Short(), events[0])

	b := h.inboundFor(t, peerB)
	assert.Equal(t, "first", read(t, b))
	_, _, events = h.pm.snapshot()
	assert.Equal(t, []string{"gone " + peerA.Short(), "inbound " + peerB.Short()}, events)
	assert.Equal(t, []peerid.ID{peerB}, h.m.Peers())
	assert.Equal(t, 0, stale.Send([]byte("late")))
}

func TestReconnect(t *testing.T) {
	h := newHarness(t, mux.Config{})
	h.connect(t)
	old := h.relay
	a := h.m.CreateSubsocket(peerA)
	a.Send([]byte("queued"))

	h.connect(t)
	assert.Equal(t, 1, h.pm.goneCount())
	assert.Empty(t, h.m.Peers())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for {
		// the previous relay may have got the frame, but must end with EOF
		_, err := old.Read(ctx)
		if err != nil {
			require.NotErrorIs(t, err, context.DeadlineExceeded)
			break
		}
	}

	b := h.m.CreateSubsocket(peerB)
	assert.Equal(t, 2, b.Send([]byte("hi")))
	f := h.relayRead(t)
	assert.Equal(t, frame(peerB, "hi"), f)
}

func TestFirstCreationWins(t *testing.T) {
	h := newHarness(t, mux.Config{})
	h.pm.gate = make(chan struct{})
	h.connect(t)

	h.relay.Send(frame(peerB, "one"))
	h.relay.Send(frame(peerB, "two"))
	s := h.inboundFor(t, peerB)
	close(h.pm.gate)

	assert.Equal(t, "one", read(t, s))
	assert.Equal(t, "two", read(t, s))
	inbound, _, _ := h.pm.snapshot()
	assert.Len(t, inbound, 1)
	assert.Equal(t, []peerid.ID{peerB}, h.m.Peers())
}

func TestRejectedInboundUnwinds(t *testing.T) {
	h := newHarness(t, mux.Config{})
	h.pm.reject = errors.New("not today")
	h.connect(t)

	h.relay.Send(frame(peerA, "hello"))
	s := h.inboundFor(t, peerA)

	f := h.relayRead(t)
	require.Equal(t, transport.Text, f.Kind)
	cmd, err := protocol.Decode(f.Text())
	require.NoError(t, err)
	assert.Equal(t, protocol.NewDisconnect(peerA, self), cmd)

	require.Eventually(t, func() bool { return h.pm.goneCount() == 1 }, waitFor, time.Millisecond*5)
	_, gone, _ := h.pm.snapshot()
	require.Len(t, gone, 1)
	assert.True(t, gone[0].Equal(s))
	assert.Empty(t, h.m.Peers())
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.Sockets))
}

func TestRejectAfterLocalDisconnect(t *testing.T) {
	obs := &recordingObserver{}
	h := newHarness(t, mux.Config{Observer: obs})
	h.pm.reject = errors.New("not today")
	h.pm.hangUp = true
	h.connect(t)

	h.relay.Send(frame(peerA, "hello"))
	h.inboundFor(t, peerA)
	f := h.relayRead(t)
	require.Equal(t, transport.Text, f.Kind)
	h.relayIdle(t)

	closes := func() int {
		obs.mutex.Lock()
		defer obs.mutex.Unlock()
		n := 0
		for _, ev := range obs.events {
			if strings.HasPrefix(ev, "close ") {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return closes() == 1 }, waitFor, time.Millisecond*5)
	assert.Never(t, func() bool { return closes() > 1 }, time.Millisecond*100, time.Millisecond*5)
	assert.Equal(t, 1, h.pm.goneCount())
	assert.Empty(t, h.m.Peers())
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.Sockets))
}

func TestSendPrefixesPeer(t *testing.T) {
	h := newHarness(t, mux.Config{})
	h.connect(t)
	a := h.m.CreateSubsocket(peerA)
	b := h.m.CreateSubsocket(peerB)

	assert.Equal(t, 2, a.Send([]byte("a1")))
	assert.Equal(t, 2, b.Send([]byte("b1")))
	assert.Equal(t, 0, a.Send(nil))
	assert.Equal(t, 2, a.Send([]byte("a2")))

	assert.Equal(t, frame(peerA, "a1"), h.relayRead(t))
	assert.Equal(t, frame(peerB, "b1"), h.relayRead(t))
	assert.Equal(t, frame(peerA, ""), h.relayRead(t))
	assert.Equal(t, frame(peerA, "a2"), h.relayRead(t))
}

func TestTransportErrorKeepsTable(t *testing.T) {
	h := newHarness(t, mux.Config{})
	local, relay := transport.Pipe()
	h.relay = relay
	require.NoError(t, h.m.Connect(local))
	a := h.m.CreateSubsocket(peerA)

	local.Fail(errors.New("network down"))
	require.Eventually(t, func() bool { return !h.m.Connected() }, waitFor, time.Millisecond*5)

	assert.Equal(t, []peerid.ID{peerA}, h.m.Peers())
	assert.Equal(t, 0, h.pm.goneCount())
	assert.False(t, a.Stopped())
}

func TestKeepAlive(t *testing.T) {
	h := newHarness(t, mux.Config{})
	h.m.KeepAlive()

	h.connect(t)
	h.m.KeepAlive()
	f := h.relayRead(t)
	assert.Equal(t, transport.TextFrame(`{"Ping":{}}`), f)
}

func TestClose(t *testing.T) {
	h := newHarness(t, mux.Config{})
	h.connect(t)
	a := h.m.CreateSubsocket(peerA)
	b := h.m.CreateSubsocket(peerB)

	require.NoError(t, h.m.Close())
	require.NoError(t, h.m.Close())

	assert.False(t, h.m.Connected())
	assert.Equal(t, 2, h.pm.goneCount())
	assert.True(t, a.Stopped())
	assert.True(t, b.Stopped())
	assert.Equal(t, 0, a.Send([]byte("late")))
	assert.Empty(t, h.m.Peers())

	local, _ := transport.Pipe()
	assert.ErrorIs(t, h.m.Connect(local), mux.ErrClosed)
}

func TestInboundOverflow(t *testing.T) {
	h := newHarness(t, mux.Config{InboundQueue: 2, Overflow: queue.DropOldest})
	h.connect(t)
	a := h.m.CreateSubsocket(peerA)

	for _, p := range []string{"1", "2", "3"} {
		h.relay.Send(frame(peerA, p))
	}
	h.sync(t)
	assert.Equal(t, "2", read(t, a))
	assert.Equal(t, "3", read(t, a))

	h = newHarness(t, mux.Config{InboundQueue: 2})
	h.connect(t)
	a = h.m.CreateSubsocket(peerA)
	for _, p := range []string{"1", "2", "3"} {
		h.relay.Send(frame(peerA, p))
	}
	h.sync(t)
	assert.Equal(t, "1", read(t, a))
	assert.Equal(t, "2", read(t, a))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Dropped.WithLabelValues("inbound_full")))
}

func TestOutboundOverflow(t *testing.T) {
	h := newHarness(t, mux.Config{OutboundQueue: 2})
	a := h.m.CreateSubsocket(peerA)

	assert.Equal(t, 1, a.Send([]byte("1")))
	assert.Equal(t, 1, a.Send([]byte("2")))
	assert.Equal(t, 0, a.Send([]byte("3")), "full queue rejects")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Dropped.WithLabelValues("outbound_full")))
}

type recordingObserver struct {
	mutex  sync.Mutex
	events []string
}

func (r *recordingObserver) SocketOpened(peer peerid.ID, _ uint64, inbound bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	dir := "out"
	if inbound {
		dir = "in"
	}
	r.events = append(r.events, "open "+dir+" "+peer.Short())
}

func (r *recordingObserver) SocketClosed(peer peerid.ID, _ uint64, reason string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, "close "+reason+" "+peer.Short())
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	h := newHarness(t, mux.Config{Observer: obs})
	h.connect(t)

	a := h.m.CreateSubsocket(peerA)
	h.relay.Send(frame(peerB, "x"))
	h.inboundFor(t, peerB)
	a.Disconnect()
	require.Eventually(t, func() bool { return h.pm.goneCount() == 1 }, waitFor, time.Millisecond*5)
	require.NoError(t, h.m.Close())

	obs.mutex.Lock()
	defer obs.mutex.Unlock()
	assert.Equal(t, []string{
		"open out " + peerA.Short(),
		"open in " + peerB.Short(),
		"close " + mux.ReasonLocal + " " + peerA.Short(),
		"close " + mux.ReasonShutdown + " " + peerB.Short(),
	}, obs.events)
}

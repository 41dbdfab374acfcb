// Package session runs a relay session: the multiplexer (or a direct
// socket), its keep-alive supervisor, the tap peer manager and the metrics
// endpoint.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andrebq/peermux/internal/queue"
	"github.com/andrebq/peermux/internal/set"
	"github.com/andrebq/peermux/internal/store"
	"github.com/andrebq/peermux/internal/tap"
	"github.com/andrebq/peermux/relay/mux"
	"github.com/andrebq/peermux/relay/peerid"
	"github.com/andrebq/peermux/relay/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type (
	Options struct {
		// RelayURLs may contain {self} and, in direct mode, {peer}. Each dial
		// picks one at random, avoiding the last one used.
		RelayURLs []string
		Peers     []peerid.ID
		Allow     []peerid.ID
		KeepAlive time.Duration
		Direct    bool
		Echo      bool
		// Hello is sent to every outbound peer once its socket is created.
		Hello string

		MetricsAddr   string
		Overflow      queue.Policy
		OutboundQueue int
		InboundQueue  int
	}

	relayPicker struct {
		mutex  sync.Mutex
		relays set.RandomSet[string]
		last   string
	}
)

var (
	ErrDirectPeers = errors.New("session: direct mode needs exactly one peer")
	ErrNoRelay     = errors.New("session: no relay url")
)

// Run blocks until ctx is done or the session fails. A session ended by ctx
// returns nil.
func Run(ctx context.Context, st *store.Store, self peerid.ID, opts Options) error {
	log := slog.Default().With("self", self.Short())
	if opts.Direct && len(opts.Peers) != 1 {
		return ErrDirectPeers
	}
	if len(opts.RelayURLs) == 0 {
		return ErrNoRelay
	}
	relays := newRelayPicker(opts.RelayURLs)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := mux.NewMetrics(reg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)
	if opts.MetricsAddr != "" {
		if err := serveMetrics(ctx, group, reg, opts.MetricsAddr); err != nil {
			return err
		}
	}

	var tapOpts []tap.Option
	if opts.Echo {
		tapOpts = append(tapOpts, tap.Echo())
	}
	if len(opts.Allow) > 0 {
		tapOpts = append(tapOpts, tap.Allow(opts.Allow...))
	}
	tp := tap.New(ctx, tapOpts...)
	peerLog := store.NewPeerLog(st, "", log)
	log = log.With("session", peerLog.Session())

	// the session ending on its own also stops the metrics endpoint
	group.Go(func() error {
		defer cancel()
		if opts.Direct {
			return runDirect(ctx, tp, peerLog, relays, &mux.IDSource{}, self, opts, log)
		}
		return runMux(ctx, tp, peerLog, relays, self, metrics, opts, log)
	})

	err := group.Wait()
	tp.Wait()
	peerLog.Close()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func runMux(ctx context.Context, tp *tap.Tap, peerLog *store.PeerLog, relays *relayPicker, self peerid.ID, metrics *mux.Metrics, opts Options, log *slog.Logger) error {
	var m *mux.Multiplexer
	m = mux.New(tp, mux.Config{
		Self:          self,
		Logger:        log,
		Metrics:       metrics,
		Observer:      peerLog,
		Overflow:      opts.Overflow,
		OutboundQueue: opts.OutboundQueue,
		InboundQueue:  opts.InboundQueue,
		OnConnect: func() {
			for _, p := range opts.Peers {
				s := m.CreateSubsocket(p)
				tp.Track(s)
				hello(s, opts.Hello, log)
			}
		},
	})
	dial := func(ctx context.Context) (transport.Transport, error) {
		url := relayURL(relays.next(), self, peerid.ID{})
		log.Debug("Dialing relay", "relay", url)
		return transport.DialWebSocket(ctx, url, nil, transport.WithLogger(log))
	}
	log.Info("Starting relay session", "relays", len(opts.RelayURLs), "keepalive", opts.KeepAlive)
	err := m.Maintain(ctx, dial, opts.KeepAlive)
	return multierr.Append(err, m.Close())
}

func runDirect(ctx context.Context, tp *tap.Tap, peerLog *store.PeerLog, relays *relayPicker, ids *mux.IDSource, self peerid.ID, opts Options, log *slog.Logger) error {
	peer := opts.Peers[0]
	url := relayURL(relays.next(), self, peer)
	log.Info("Starting direct session", "relay", url, "peer", peer.Short())
	conn, err := transport.DialWebSocket(ctx, url, nil, transport.WithLogger(log))
	if err != nil {
		return fmt.Errorf("session: unable to dial relay: %w", err)
	}
	s := mux.NewDirectSocket(conn, ids, log)
	peerLog.SocketOpened(peer, s.ID(), false)
	hello(s, opts.Hello, log)

	stop := context.AfterFunc(ctx, s.Disconnect)
	defer stop()
	err = tp.Serve(s, peer)
	reason := mux.ReasonRelay
	if ctx.Err() != nil {
		reason = mux.ReasonShutdown
	}
	peerLog.SocketClosed(peer, s.ID(), reason)
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func hello(s mux.Socket, msg string, log *slog.Logger) {
	if msg == "" {
		return
	}
	if s.Send([]byte(msg)) == 0 {
		log.Warn("Unable to send hello", "socket", s)
	}
}

func newRelayPicker(urls []string) *relayPicker {
	return &relayPicker{relays: set.Random(time.Now().UnixNano(), urls...)}
}

func (p *relayPicker) next() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.last, _ = p.relays.PickOther(p.last)
	return p.last
}

func relayURL(tmpl string, self, peer peerid.ID) string {
	url := strings.ReplaceAll(tmpl, "{self}", self.String())
	if !peer.IsZero() {
		url = strings.ReplaceAll(url, "{peer}", peer.String())
	}
	return url
}

func serveMetrics(ctx context.Context, group *errgroup.Group, reg *prometheus.Registry, addr string) error {
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("session: unable to listen for metrics: %w", err)
	}
	handler := http.NewServeMux()
	handler.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: time.Second * 5}
	slog.Info("Serving metrics", "addr", lst.Addr().String())
	group.Go(func() error {
		err := srv.Serve(lst)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

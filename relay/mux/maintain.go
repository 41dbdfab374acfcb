package mux

import (
	"context"
	"time"

	"github.com/andrebq/peermux/relay/transport"
)

type (
	// Dialer opens a new relay transport.
	Dialer func(ctx context.Context) (transport.Transport, error)
)

const DefaultKeepAlive = 5 * time.Second

// Maintain keeps the multiplexer attached to the relay until ctx is done.
//
// Every interval it sends a keep-alive when connected, or dials a new
// transport when the previous one failed. There is no backoff, a failed dial
// is retried on the next tick.
func (m *Multiplexer) Maintain(ctx context.Context, dial Dialer, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultKeepAlive
	}
	ticker := m.cfg.Clock.Ticker(interval)
	defer ticker.Stop()

	m.ensure(ctx, dial)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.stopped.Load() {
				return ErrClosed
			}
			m.ensure(ctx, dial)
		}
	}
}

func (m *Multiplexer) ensure(ctx context.Context, dial Dialer) {
	if m.Connected() {
		m.KeepAlive()
		return
	}
	m.log.Info("Dialing relay")
	conn, err := dial(ctx)
	if err != nil {
		m.log.Warn("Unable to dial relay", "err", err)
		return
	}
	if err := m.Connect(conn); err != nil {
		m.log.Warn("Unable to attach relay transport", "err", err)
		conn.Close()
		return
	}
	m.log.Info("Relay connected")
	if m.cfg.OnConnect != nil {
		m.cfg.OnConnect()
	}
}

package mux

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/andrebq/peermux/relay/transport"
)

type (
	// DirectSocket uses a whole transport for a single peer, nothing is
	// prefixed and no control commands are exchanged.
	DirectSocket struct {
		socketCore

		conn transport.Transport
		log  *slog.Logger
	}
)

var _ Socket = (*DirectSocket)(nil)

// NewDirectSocket wraps conn. Every socket of a session must take its
// identity from the same ids.
func NewDirectSocket(conn transport.Transport, ids *IDSource, log *slog.Logger) *DirectSocket {
	if ids == nil {
		panic("mux: direct socket without an identity source")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &DirectSocket{conn: conn}
	s.id = ids.Next()
	s.kind = directKind
	s.log = log.With("component", "mux/direct", "socket", s.id)
	return s
}

// NewDirectSocket wraps conn with an identity taken from the same sequence
// as the virtual sockets of m.
func (m *Multiplexer) NewDirectSocket(conn transport.Transport) *DirectSocket {
	return NewDirectSocket(conn, &m.ids, m.cfg.Logger)
}

func (s *DirectSocket) String() string { return fmt.Sprintf("(%v)", s.id) }

func (s *DirectSocket) Send(data []byte) int {
	if s.Stopped() {
		return 0
	}
	s.conn.Send(transport.BinaryFrame(append([]byte(nil), data...)))
	return len(data)
}

func (s *DirectSocket) Disconnect() {
	if !s.markStopped() {
		return
	}
	go func() {
		if err := s.conn.Close(); err != nil {
			s.log.Debug("Unable to close transport", "err", err)
		}
	}()
}

// Read returns the next binary frame, text frames are not meant for direct
// sockets and are skipped.
func (s *DirectSocket) Read(ctx context.Context) ([]byte, error) {
	for {
		if s.Stopped() {
			return nil, ErrSocketStopped
		}
		f, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.markStopped()
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
		if f.Kind != transport.Binary {
			s.log.Debug("Ignoring text frame on direct socket", "size", len(f.Data))
			continue
		}
		return f.Data, nil
	}
}

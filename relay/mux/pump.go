package mux

import (
	"context"
	"errors"
	"fmt"
)

// PumpReads feeds every payload read from s to h until the socket stops or
// ctx is done. The socket is disconnected when h fails to handle a payload.
//
// Direct sockets are not tracked by a multiplexer, so PumpReads is also the
// place where their disconnection is reported to h. Virtual sockets are
// reported by their multiplexer.
func PumpReads(ctx context.Context, s Socket, h Handler) error {
	defer func() {
		if _, direct := s.(*DirectSocket); direct && s.core().Stopped() {
			notifyDisconnected(h, s)
		}
	}()
	for {
		data, err := s.Read(ctx)
		switch {
		case errors.Is(err, ErrSocketStopped):
			return nil
		case err != nil:
			return err
		}
		if err := h.ReadEvent(s, data); err != nil {
			s.Disconnect()
			return fmt.Errorf("socket %v: %w", s, err)
		}
	}
}

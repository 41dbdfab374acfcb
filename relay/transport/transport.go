// Package transport defines the single physical channel to the relay.
//
// A transport delivers discrete frames, either binary (peer traffic) or
// text (control commands). The multiplexer relies only on the Transport
// interface, so tests can use the in-memory Pipe instead of a websocket.
package transport

import (
	"context"
	"errors"
)

type (
	Kind byte

	Frame struct {
		Kind Kind
		Data []byte
	}

	// Transport is a bidirectional frame channel.
	//
	// Read blocks until a frame arrives, ctx is done or the transport fails.
	// A graceful close is reported as io.EOF.
	//
	// Send never blocks and never reports errors, frames that cannot be
	// delivered are dropped.
	//
	// Close is idempotent.
	Transport interface {
		Read(ctx context.Context) (Frame, error)
		Send(Frame)
		Close() error
	}
)

const (
	Binary = Kind(iota + 1)
	Text
)

var (
	ErrClosed = errors.New("transport: closed")
)

func BinaryFrame(buf []byte) Frame { return Frame{Kind: Binary, Data: buf} }
func TextFrame(txt string) Frame   { return Frame{Kind: Text, Data: []byte(txt)} }

func (f Frame) Text() string { return string(f.Data) }

func (k Kind) String() string {
	switch k {
	case Binary:
		return "binary"
	case Text:
		return "text"
	default:
		return "unknown"
	}
}

package mux

import "errors"

var (
	// ErrSocketStopped is returned by Read once the socket was disconnected,
	// either locally or by the relay.
	ErrSocketStopped = errors.New("mux: socket stopped")

	// ErrConnectionFailed is returned by a direct socket when the
	// underlying transport fails.
	ErrConnectionFailed = errors.New("mux: connection failed")

	// ErrClosed is returned by Connect and Maintain after Close.
	ErrClosed = errors.New("mux: multiplexer closed")

	// ErrRejected can be returned by peer managers to refuse an inbound socket.
	ErrRejected = errors.New("mux: connection rejected")
)

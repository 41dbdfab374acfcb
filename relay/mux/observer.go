package mux

import "github.com/andrebq/peermux/relay/peerid"

type (
	// Observer is told about every socket entering or leaving the address
	// table. Calls happen on the multiplexer goroutines and must not block
	// for long.
	Observer interface {
		SocketOpened(peer peerid.ID, socket uint64, inbound bool)
		SocketClosed(peer peerid.ID, socket uint64, reason string)
	}

	nopObserver struct{}
)

// Reasons passed to Observer.SocketClosed.
const (
	ReasonRelay     = "relay-disconnect"
	ReasonReconnect = "reconnect"
	ReasonRejected  = "rejected"
	ReasonLocal     = "local-disconnect"
	ReasonReplaced  = "replaced"
	ReasonShutdown  = "shutdown"
)

func (nopObserver) SocketOpened(peerid.ID, uint64, bool)   {}
func (nopObserver) SocketClosed(peerid.ID, uint64, string) {}

// Package wstest runs a throwaway websocket endpoint that hands every
// accepted connection to the test as a transport, so the test can play the
// relay side.
package wstest

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andrebq/peermux/relay/transport"
	"github.com/gorilla/websocket"
)

type (
	Server struct {
		srv     *httptest.Server
		upgrade websocket.Upgrader

		accepted chan Conn

		mutex sync.Mutex
		paths []string
	}

	// Conn is the relay side of one accepted websocket.
	Conn struct {
		Path      string
		Transport *transport.WebSocket
	}
)

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{accepted: make(chan Conn, 16)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handleSocket))
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the ws:// address of the server, with path appended.
func (s *Server) URL(path string) string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + path
}

// Accept waits for the next connection.
func (s *Server) Accept(t testing.TB, timeout time.Duration) Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	select {
	case c := <-s.accepted:
		t.Cleanup(func() { c.Transport.Close() })
		return c
	case <-ctx.Done():
		t.Fatal("wstest: no connection accepted")
		return Conn{}
	}
}

// Paths returns every path requested so far.
func (s *Server) Paths() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]string(nil), s.paths...)
}

func (s *Server) handleSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrade.Upgrade(w, req, nil)
	if err != nil {
		slog.Debug("Unable to upgrade client connection", "err", err)
		return
	}
	s.mutex.Lock()
	s.paths = append(s.paths, req.URL.Path)
	s.mutex.Unlock()
	s.accepted <- Conn{Path: req.URL.Path, Transport: transport.NewWebSocket(conn)}
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type (
	// WebSocket adapts a gorilla websocket connection to a Transport.
	//
	// One goroutine reads messages from the connection, another one writes
	// the frames queued by Send. The first error seen by either side is kept
	// and reported by Read.
	WebSocket struct {
		conn *websocket.Conn
		log  *slog.Logger

		upstream   chan Frame
		downstream chan Frame

		done      chan struct{}
		closeOnce sync.Once

		mutex sync.Mutex
		err   error
	}

	WebSocketOption func(*WebSocket)
)

const (
	// DefaultSendBuffer is how many frames Send queues before dropping.
	DefaultSendBuffer = 1024
	writeTimeout      = 30 * time.Second
)

// WithSendBuffer changes how many frames can wait for the writer goroutine.
func WithSendBuffer(n int) WebSocketOption {
	return func(ws *WebSocket) {
		if n > 0 {
			ws.downstream = make(chan Frame, n)
		}
	}
}

func WithLogger(l *slog.Logger) WebSocketOption {
	return func(ws *WebSocket) {
		if l != nil {
			ws.log = l
		}
	}
}

// DialWebSocket opens a websocket to url.
func DialWebSocket(ctx context.Context, url string, header http.Header, opts ...WebSocketOption) (*WebSocket, error) {
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("transport: unable to dial %v (status %v): %w", url, res.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: unable to dial %v: %w", url, err)
	}
	return NewWebSocket(conn, opts...), nil
}

// NewWebSocket takes ownership of conn.
func NewWebSocket(conn *websocket.Conn, opts ...WebSocketOption) *WebSocket {
	ws := &WebSocket{
		conn:       conn,
		log:        slog.Default().With("component", "transport/ws"),
		upstream:   make(chan Frame, 1),
		downstream: make(chan Frame, DefaultSendBuffer),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(ws)
	}
	go ws.sink()
	go ws.source()
	return ws
}

func (ws *WebSocket) Read(ctx context.Context) (Frame, error) {
	select {
	case f := <-ws.upstream:
		return f, nil
	default:
	}
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case f := <-ws.upstream:
		return f, nil
	case <-ws.done:
		return Frame{}, ws.failure()
	}
}

func (ws *WebSocket) Send(f Frame) {
	if ws.failed() {
		return
	}
	select {
	case ws.downstream <- f:
	default:
		ws.log.Warn("Send buffer full, dropping frame", "kind", f.Kind, "size", len(f.Data))
	}
}

func (ws *WebSocket) Close() error {
	ws.fail(io.EOF)
	return nil
}

func (ws *WebSocket) sink() {
	for {
		mt, buf, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = io.EOF
			} else {
				err = fmt.Errorf("transport: IOError: %w", err)
			}
			ws.fail(err)
			return
		}
		var f Frame
		switch mt {
		case websocket.BinaryMessage:
			f = BinaryFrame(buf)
		case websocket.TextMessage:
			f = Frame{Kind: Text, Data: buf}
		default:
			continue
		}
		select {
		case ws.upstream <- f:
		case <-ws.done:
			return
		}
	}
}

func (ws *WebSocket) source() {
	for {
		select {
		case <-ws.done:
			return
		case f := <-ws.downstream:
			mt := websocket.BinaryMessage
			if f.Kind == Text {
				mt = websocket.TextMessage
			}
			ws.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.conn.WriteMessage(mt, f.Data); err != nil {
				ws.fail(fmt.Errorf("transport: IOError: %w", err))
				return
			}
		}
	}
}

func (ws *WebSocket) failed() bool {
	ws.mutex.Lock()
	failed := ws.err != nil
	ws.mutex.Unlock()
	return failed
}

func (ws *WebSocket) failure() error {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()
	if ws.err == nil {
		return ErrClosed
	}
	return ws.err
}

func (ws *WebSocket) fail(err error) {
	ws.mutex.Lock()
	if ws.err == nil {
		ws.err = err
	}
	ws.mutex.Unlock()
	ws.closeOnce.Do(func() {
		close(ws.done)
		if errors.Is(err, io.EOF) {
			ws.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		ws.conn.Close()
	})
}

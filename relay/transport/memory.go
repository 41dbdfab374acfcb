package transport

import (
	"context"
	"io"
	"sync"
)

type (
	// Memory is one end of an in-process transport created by Pipe.
	// Buffers are unbounded so Send never drops while the pipe is open.
	Memory struct {
		mutex  sync.Mutex
		frames []Frame
		notify chan struct{}
		err    error

		peer *Memory
	}
)

// Pipe returns two connected transports, frames sent on one are read from
// the other.
func Pipe() (*Memory, *Memory) {
	a := &Memory{notify: make(chan struct{}, 1)}
	b := &Memory{notify: make(chan struct{}, 1)}
	a.peer, b.peer = b, a
	return a, b
}

func (m *Memory) Read(ctx context.Context) (Frame, error) {
	for {
		m.mutex.Lock()
		if len(m.frames) > 0 {
			f := m.frames[0]
			m.frames[0] = Frame{}
			m.frames = m.frames[1:]
			m.mutex.Unlock()
			return f, nil
		}
		err := m.err
		m.mutex.Unlock()
		if err != nil {
			return Frame{}, err
		}

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-m.notify:
		}
	}
}

func (m *Memory) Send(f Frame) {
	m.peer.deliver(f)
}

// Close both ends, pending frames can still be read before io.EOF.
func (m *Memory) Close() error {
	m.fail(io.EOF)
	m.peer.fail(io.EOF)
	return nil
}

// Fail makes the next Read on this end return err once buffered frames are
// consumed. Used to simulate a broken connection.
func (m *Memory) Fail(err error) {
	m.fail(err)
}

// Pending returns how many frames are waiting to be read.
func (m *Memory) Pending() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.frames)
}

func (m *Memory) deliver(f Frame) {
	m.mutex.Lock()
	if m.err != nil {
		m.mutex.Unlock()
		return
	}
	f.Data = append([]byte(nil), f.Data...)
	m.frames = append(m.frames, f)
	m.mutex.Unlock()
	m.wake()
}

func (m *Memory) fail(err error) {
	m.mutex.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mutex.Unlock()
	m.wake()
}

func (m *Memory) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

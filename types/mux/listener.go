package mux

import (
	"context"
	"net"
	"sync"

	"github.com/edup2p/natlayer/types"
)

// Handler receives an accepted virtual connection, on its own goroutine.
type Handler func(c *Conn)

// Listener admits virtual connections to one port of a Multiplexer.
//
// With a Handler, every connection is passed to it, otherwise they are returned by Accept.
type Listener struct {
	m       *Multiplexer
	port    uint16
	handler Handler

	mu      sync.Mutex
	queue   []*Conn
	wake    chan struct{}
	stopped bool

	done chan struct{}
}

var _ net.Listener = (*Listener)(nil)

func newListener(m *Multiplexer, port uint16, handler Handler) *Listener {
	l := &Listener{
		m:       m,
		port:    port,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	if handler != nil {
		go l.run()
	}

	return l
}

func (l *Listener) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for _, c := range l.take() {
			go l.handler(c)
		}
	}
}

func (l *Listener) take() []*Conn {
	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.queue
	l.queue = nil
	return q
}

// handoff queues an admitted connection, it never blocks.
func (l *Listener) handoff(c *Conn) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, c)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// stop ends admissions, connections that were not picked up yet are closed.
func (l *Listener) stop() bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.stopped = true
	q := l.queue
	l.queue = nil
	l.mu.Unlock()

	close(l.done)

	for _, c := range q {
		c.Close()
	}
	return true
}

func (l *Listener) Port() uint16 {
	return l.port
}

// Done is closed when the listener stops admitting connections.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// AcceptConn waits for the next connection, it fails once the listener is stopped.
func (l *Listener) AcceptConn(ctx context.Context) (*Conn, error) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			c := l.queue[0]
			l.queue = l.queue[1:]
			more := len(l.queue) > 0
			l.mu.Unlock()

			if more {
				// pass the wakeup on to any other acceptor
				select {
				case l.wake <- struct{}{}:
				default:
				}
			}
			return c, nil
		}
		stopped := l.stopped
		l.mu.Unlock()

		if stopped {
			return nil, net.ErrClosed
		}

		select {
		case <-l.wake:
		case <-l.done:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

func (l *Listener) Accept() (net.Conn, error) {
	return l.AcceptConn(context.Background())
}

// Close stops the listener, it returns ErrInvalidHandle if the listener was already stopped or replaced.
func (l *Listener) Close() error {
	if !l.m.removeListener(l) {
		return ErrInvalidHandle
	}
	return nil
}

func (l *Listener) Addr() net.Addr {
	return types.Addr{Host: l.m.Local().Host, Port: l.port}
}

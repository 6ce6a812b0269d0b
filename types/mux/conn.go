package mux

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/frame"
)

// Conn is a virtual connection inside a Multiplexer.
//
// Send and Recv expose the blocking and non-blocking forms, Read and Write make it a net.Conn.
type Conn struct {
	m  *Multiplexer
	id uint64

	local, remote types.Addr

	// serialises Send calls, so that one Send is never interleaved with another
	sendMu sync.Mutex

	mu   sync.Mutex
	wake chan struct{}

	buf []byte
	win window

	localClosed  bool
	remoteClosed bool
	// set when the multiplexer stopped communicating, the connection itself keeps working
	closing bool
	// set when the connection died instead of being closed
	err error

	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.Conn = (*Conn)(nil)

func newConn(m *Multiplexer, id uint64, local, remote types.Addr) *Conn {
	return &Conn{
		m:      m,
		id:     id,
		local:  local,
		remote: remote,
		wake:   make(chan struct{}),
		win:    newWindow(m.cfg.Window, m.cfg.CreditUnit),
	}
}

func (c *Conn) ID() uint64 {
	return c.id
}

func (c *Conn) Multiplexer() *Multiplexer {
	return c.m
}

// broadcast wakes every goroutine waiting on this connection, must hold mu.
func (c *Conn) broadcast() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// wait releases mu until the connection changes state, deadline passes, or ctx is done.
func (c *Conn) wait(ctx context.Context, deadline time.Time) error {
	ch := c.wake

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	c.mu.Unlock()
	defer c.mu.Lock()

	select {
	case <-ch:
		return nil
	case <-timeout:
		return os.ErrDeadlineExceeded
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// closedErr returns why this connection can not be used anymore, must hold mu.
func (c *Conn) closedErr() error {
	if c.err != nil {
		return c.err
	}
	return ErrSocketClosed
}

func (c *Conn) usable() bool {
	return !c.localClosed && !c.remoteClosed && c.err == nil
}

// Send transmits p, subject to the credit the peer granted.
//
// If block is false and credit runs out, it returns ErrWouldBlock and the amount of bytes it did send.
func (c *Conn) Send(p []byte, block bool) (int, error) {
	return c.send(context.Background(), p, block, true)
}

// SendContext is a blocking Send that gives up when ctx is done.
func (c *Conn) SendContext(ctx context.Context, p []byte) (int, error) {
	return c.send(ctx, p, true, false)
}

func (c *Conn) send(ctx context.Context, p []byte, block, deadline bool) (int, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	sent := 0

	for sent < len(p) {
		c.mu.Lock()

		if !c.usable() {
			err := c.closedErr()
			c.mu.Unlock()
			return sent, err
		}

		n := c.win.take(uint64(min(len(p)-sent, frame.MaxData)))
		if n == 0 {
			if !block {
				c.mu.Unlock()
				return sent, ErrWouldBlock
			}

			var dl time.Time
			if deadline {
				dl = c.writeDeadline
			}
			err := c.wait(ctx, dl)
			c.mu.Unlock()
			if err != nil {
				return sent, err
			}
			continue
		}
		c.mu.Unlock()

		chunk := make([]byte, n)
		copy(chunk, p[sent:])

		if err := c.m.send(frame.Data(c.id, chunk)); err != nil {
			return sent, err
		}
		sent += int(n)
	}

	return sent, nil
}

// Recv returns at most n buffered bytes.
//
// With nothing buffered on an open connection, it returns ErrWouldBlock if block is false, or waits otherwise.
// Bytes that arrived before the connection closed can still be received, after that it returns ErrSocketClosed.
func (c *Conn) Recv(n int, block bool) ([]byte, error) {
	if n <= 0 {
		return nil, ErrInvalidLength
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p := make([]byte, n)
	m, err := c.recvLocked(context.Background(), p, block, true)
	if err != nil {
		return nil, err
	}
	return p[:m], nil
}

// RecvContext is a blocking Recv that gives up when ctx is done.
func (c *Conn) RecvContext(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 {
		return nil, ErrInvalidLength
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p := make([]byte, n)
	m, err := c.recvLocked(ctx, p, true, false)
	if err != nil {
		return nil, err
	}
	return p[:m], nil
}

func (c *Conn) recvLocked(ctx context.Context, p []byte, block, useDeadline bool) (int, error) {
	for {
		if len(c.buf) > 0 {
			n := copy(p, c.buf)
			c.buf = c.buf[n:]
			if len(c.buf) == 0 {
				c.buf = nil
			}

			if grant := c.win.consume(uint64(n)); grant > 0 && c.usable() {
				// a failed send means the multiplexer is dying, which the connection will hear about
				_ = c.m.send(frame.Credit(c.id, grant))
			}

			return n, nil
		}

		if !c.usable() {
			return 0, c.closedErr()
		}

		if !block {
			return 0, ErrWouldBlock
		}

		var deadline time.Time
		if useDeadline {
			deadline = c.readDeadline
		}
		if err := c.wait(ctx, deadline); err != nil {
			return 0, err
		}
	}
}

// Read implements io.Reader, it returns io.EOF once the peer closed the connection and everything was read.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.recvLocked(context.Background(), p, true, true)
	if errors.Is(err, ErrSocketClosed) && c.remoteClosed && !c.localClosed && c.err == nil {
		return n, io.EOF
	}
	return n, err
}

// Write implements io.Writer, blocking until all of p is sent or the write deadline passes.
func (c *Conn) Write(p []byte) (int, error) {
	return c.send(context.Background(), p, true, true)
}

// Close closes the connection locally, and tells the peer.
//
// Data that was already received stays readable with Recv.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.localClosed {
		c.mu.Unlock()
		return nil
	}
	c.localClosed = true
	tell := !c.remoteClosed && c.err == nil
	c.broadcast()
	c.mu.Unlock()

	if tell {
		// a dead multiplexer has nothing left to tell
		_ = c.m.send(frame.Term(c.id))
	}

	c.m.removeConn(c)

	return nil
}

// Buffered returns the amount of bytes that can be received without blocking.
func (c *Conn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.buf)
}

// SendCredit returns the amount of bytes that can be sent without blocking.
func (c *Conn) SendCredit() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.win.write
}

// Closing reports whether the multiplexer of c stopped communicating.
//
// A closing connection can still send and receive, but the multiplexer closes once its last connection does.
// Goroutines blocked in Send or Recv are woken when this changes, and go back to waiting.
func (c *Conn) Closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closing
}

// stopComm marks c closing, and wakes its waiters.
func (c *Conn) stopComm() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closing = true
	c.broadcast()
}

// Closed reports whether either side closed the connection, or it died.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.usable()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.local
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.remote
}

func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.readDeadline = t
	c.writeDeadline = t
	c.broadcast()
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.readDeadline = t
	c.broadcast()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeDeadline = t
	c.broadcast()
	return nil
}

// deliver appends data from the peer, an error means the peer broke flow control.
func (c *Conn) deliver(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localClosed || c.err != nil {
		// nobody will read this anymore
		return nil
	}

	if err := c.win.deliver(uint64(len(p))); err != nil {
		return err
	}

	c.buf = append(c.buf, p...)
	c.broadcast()
	return nil
}

func (c *Conn) grant(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.win.grant(n)
	c.broadcast()
}

func (c *Conn) peerClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.remoteClosed = true
	c.broadcast()
}

// fail kills the connection with cause, buffered data stays receivable.
func (c *Conn) fail(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		c.err = socketClosed(cause)
	}
	c.broadcast()
}

package mux

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/frame"
)

// Test constants
const assertEventuallyTick time.Duration = 1 * time.Millisecond
const assertEventuallyTimeout time.Duration = 2 * time.Second

const testPort uint16 = 7

type pipeAddrConn struct {
	net.Conn
	local, remote types.Addr
}

func (c *pipeAddrConn) LocalAddr() net.Addr  { return c.local }
func (c *pipeAddrConn) RemoteAddr() net.Addr { return c.remote }

func pipe() (a, b net.Conn) {
	ca, cb := net.Pipe()
	aAddr := types.Addr{Host: "10.0.0.1", Port: 1000}
	bAddr := types.Addr{Host: "10.0.0.2", Port: 2000}
	return &pipeAddrConn{Conn: ca, local: aAddr, remote: bAddr}, &pipeAddrConn{Conn: cb, local: bAddr, remote: aAddr}
}

// muxPair returns a connected initiator and acceptor.
func muxPair(t *testing.T, cfgA, cfgB Config) (a, b *Multiplexer) {
	ca, cb := pipe()

	cfgA.Initiator = true
	cfgB.Initiator = false

	a = New(ca, cfgA)
	b = New(cb, cfgB)

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	return a, b
}

// connPair opens a virtual connection from a to b.
func connPair(t *testing.T, a, b *Multiplexer) (ac, bc *Conn) {
	l, err := b.Listen(testPort)
	require.NoError(t, err)
	defer l.Close()

	ac, err = a.OpenConn(context.Background(), testPort, types.Addr{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	bc, err = l.AcceptConn(ctx)
	require.NoError(t, err)

	return ac, bc
}

// rawPeer is the other end of a multiplexer, driven frame by frame.
type rawPeer struct {
	conn net.Conn
	r    *frame.Reader
	w    *frame.Writer
}

func newRawPeer(conn net.Conn) *rawPeer {
	return &rawPeer{
		conn: conn,
		r:    frame.NewReader(bufio.NewReader(conn)),
		w:    frame.NewWriter(bufio.NewWriter(conn)),
	}
}

func (p *rawPeer) write(t *testing.T, fs ...frame.Frame) {
	for _, f := range fs {
		require.NoError(t, p.w.WriteFrame(f))
	}
	require.NoError(t, p.w.Flush())
}

func (p *rawPeer) read(t *testing.T) frame.Frame {
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	f, err := p.r.ReadFrame()
	require.NoError(t, err)
	return f
}

// delegateRecorder records error delegate calls.
type delegateRecorder struct {
	mu    sync.Mutex
	calls []delegateCall
}

type delegateCall struct {
	m        *Multiplexer
	location string
	err      error
}

func (d *delegateRecorder) delegate(m *Multiplexer, location string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls = append(d.calls, delegateCall{m, location, err})
}

func (d *delegateRecorder) get() []delegateCall {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]delegateCall(nil), d.calls...)
}

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/edup2p/natlayer/types"
)

// Memory is an in-process transport, connections are net.Pipe pairs.
type Memory struct {
	mu        sync.Mutex
	listeners map[types.Addr]*memListener
	tuples    map[[2]types.Addr]struct{}
	nextPort  uint16
}

func NewMemory() *Memory {
	return &Memory{
		listeners: make(map[types.Addr]*memListener),
		tuples:    make(map[[2]types.Addr]struct{}),
		nextPort:  49152,
	}
}

func (m *Memory) Open(ctx context.Context, remote, local types.Addr, _ time.Duration) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()

	l, ok := m.listeners[remote]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("open %s: %w", remote, ErrRefused)
	}

	if local.IsZero() {
		local = types.Addr{Host: "memory", Port: m.nextPort}
		m.nextPort++
	}

	tuple := [2]types.Addr{local, remote}
	if _, ok := m.tuples[tuple]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("open %s from %s: %w", remote, local, ErrAddrInUse)
	}
	m.tuples[tuple] = struct{}{}

	m.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.tuples, tuple)
			m.mu.Unlock()
		})
	}

	c, s := net.Pipe()

	go l.accept(&memConn{Conn: s, local: remote, remote: local, release: release})

	return &memConn{Conn: c, local: local, remote: remote, release: release}, nil
}

func (m *Memory) Listen(_ context.Context, local types.Addr, accept AcceptFunc) (Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listeners[local]; ok {
		return nil, fmt.Errorf("listen %s: %w", local, ErrAddrInUse)
	}

	l := &memListener{m: m, addr: local, accept: accept}
	m.listeners[local] = l

	return l, nil
}

type memListener struct {
	m      *Memory
	addr   types.Addr
	accept AcceptFunc
}

func (l *memListener) Addr() types.Addr {
	return l.addr
}

func (l *memListener) Close() error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	if l.m.listeners[l.addr] == l {
		delete(l.m.listeners, l.addr)
	}
	return nil
}

type memConn struct {
	net.Conn

	local, remote types.Addr
	release       func()
}

func (c *memConn) LocalAddr() net.Addr {
	return c.local
}

func (c *memConn) RemoteAddr() net.Addr {
	return c.remote
}

func (c *memConn) Close() error {
	c.release()
	return c.Conn.Close()
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/dial"
)

// TCP is the plain TCP transport.
type TCP struct {
	// KeepAlive is used for dialed and accepted connections.
	KeepAlive time.Duration
}

func dialOpts(remote, local types.Addr, timeout time.Duration) (dial.Opts, error) {
	opts := dial.Opts{
		Host:           remote.Host,
		Port:           remote.Port,
		ConnectTimeout: timeout,
	}

	if !local.IsZero() {
		ap, ok := local.AddrPort()
		if !ok {
			return opts, fmt.Errorf("local address %s is not an IP address", local)
		}
		opts.LocalAddr = ap
	}

	return opts, nil
}

func (t TCP) Open(ctx context.Context, remote, local types.Addr, timeout time.Duration) (net.Conn, error) {
	opts, err := dialOpts(remote, local, timeout)
	if err != nil {
		return nil, err
	}
	opts.KeepAlive = t.KeepAlive

	conn, err := dial.TCP(ctx, opts)
	if err != nil {
		if errors.Is(err, ErrAddrInUse) {
			return nil, fmt.Errorf("open %s: %w", remote, ErrAddrInUse)
		}
		return nil, fmt.Errorf("open %s: %w", remote, err)
	}

	return conn, nil
}

func (t TCP) Listen(ctx context.Context, local types.Addr, accept AcceptFunc) (Listener, error) {
	lc := net.ListenConfig{KeepAlive: t.KeepAlive}

	ln, err := lc.Listen(ctx, "tcp", local.String())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", local, err)
	}

	l := &tcpListener{ln: ln, addr: types.AddrFrom(ln.Addr())}
	go l.run(accept)

	return l, nil
}

type tcpListener struct {
	ln   net.Listener
	addr types.Addr

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (l *tcpListener) run(accept AcceptFunc) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()

			if !closed {
				slog.Warn("tcp listener stopped", "addr", l.addr, "err", err)
			}
			return
		}

		go accept(conn)
	}
}

func (l *tcpListener) Addr() types.Addr {
	return l.addr
}

func (l *tcpListener) Close() (err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		err = l.ln.Close()
	})
	return
}

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/dial"
)

const (
	UpgradeProtocol = "natlayer-v0"
	UpgradePath     = "/natlayer"
)

// HTTP carries connections over an HTTP/1.1 upgrade, so they can pass through HTTP-only middleboxes.
type HTTP struct {
	TLS bool

	// Domain is used as the Host header and TLS server name, defaults to the remote host.
	Domain string

	KeepAlive time.Duration
}

func (h HTTP) url(remote types.Addr) string {
	proto := "http"
	if h.TLS {
		proto = "https"
	}
	host := h.Domain
	if host == "" {
		host = remote.Host
	}
	return fmt.Sprintf("%s://%s%s", proto, net.JoinHostPort(host, fmt.Sprint(remote.Port)), UpgradePath)
}

func (h HTTP) Open(ctx context.Context, remote, local types.Addr, timeout time.Duration) (net.Conn, error) {
	opts, err := dialOpts(remote, local, timeout)
	if err != nil {
		return nil, err
	}
	opts.TLS = h.TLS
	opts.ServerName = h.Domain
	opts.KeepAlive = h.KeepAlive

	conn, br, err := dial.Upgrade(ctx, opts, h.url(remote), UpgradeProtocol)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", remote, err)
	}

	return NewBufferedConn(conn, br), nil
}

func (h HTTP) Listen(ctx context.Context, local types.Addr, accept AcceptFunc) (Listener, error) {
	lc := net.ListenConfig{KeepAlive: h.KeepAlive}

	ln, err := lc.Listen(ctx, "tcp", local.String())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", local, err)
	}

	l := &httpListener{
		addr: types.AddrFrom(ln.Addr()),
		log:  slog.With("http-listener", local.String()),
	}

	mux := http.NewServeMux()
	mux.Handle(UpgradePath, dial.UpgradeHandler(&acceptServer{l: l, accept: accept}, UpgradeProtocol))
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Warn("http listener stopped", "err", err)
		}
	}()

	return l, nil
}

type httpListener struct {
	addr types.Addr
	srv  *http.Server
	log  *slog.Logger
}

func (l *httpListener) Addr() types.Addr {
	return l.addr
}

func (l *httpListener) Close() error {
	return l.srv.Close()
}

// acceptServer hands upgraded connections to an AcceptFunc, and keeps the handler alive until the connection
// is closed.
type acceptServer struct {
	l      *httpListener
	accept AcceptFunc
}

func (a *acceptServer) Logger() *slog.Logger {
	return a.l.log
}

func (a *acceptServer) Accept(ctx context.Context, mc net.Conn, brw *bufio.ReadWriter, _ netip.AddrPort) error {
	bc := NewBufferedConn(mc, brw.Reader)

	go a.accept(bc)

	select {
	case <-bc.Done():
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

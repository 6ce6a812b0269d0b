package dial

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoAcceptor struct{}

func (echoAcceptor) Logger() *slog.Logger {
	return slog.Default()
}

func (echoAcceptor) Accept(_ context.Context, mc net.Conn, brw *bufio.ReadWriter, _ netip.AddrPort) error {
	_, err := io.Copy(mc, brw.Reader)
	return err
}

func serverOpts(t *testing.T, srv *httptest.Server) Opts {
	t.Helper()

	ap, err := netip.ParseAddrPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	return Opts{Host: ap.Addr().String(), Port: ap.Port(), EstablishTimeout: 2 * time.Second}
}

func TestUpgrade(t *testing.T) {
	srv := httptest.NewServer(UpgradeHandler(echoAcceptor{}, "test-proto"))
	defer srv.Close()

	conn, br, err := Upgrade(context.Background(), serverOpts(t, srv), srv.URL+"/", "test-proto")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("switched"))
	require.NoError(t, err)

	buf := make([]byte, 8)
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	assert.Equal(t, "switched", string(buf))
}

func TestUpgradeRefused(t *testing.T) {
	srv := httptest.NewServer(UpgradeHandler(echoAcceptor{}, "test-proto"))
	defer srv.Close()

	_, _, err := Upgrade(context.Background(), serverOpts(t, srv), srv.URL+"/", "other-proto")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "426")
}

func TestTCPLocalAddrInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()
	defer func() {
		close(accepted)
		for c := range accepted {
			c.Close()
		}
	}()

	ap := netip.MustParseAddrPort(ln.Addr().String())
	opts := Opts{Host: ap.Addr().String(), Port: ap.Port(), ConnectTimeout: time.Second}

	first, err := TCP(context.Background(), opts)
	require.NoError(t, err)
	defer first.Close()

	opts.LocalAddr = netip.MustParseAddrPort(first.LocalAddr().String())

	_, err = TCP(context.Background(), opts)
	assert.ErrorIs(t, err, ErrAddrInUse)
}

package forwarder

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/LukaGiorgadze/gonull"
	"github.com/stretchr/testify/require"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/key"
	"github.com/edup2p/natlayer/types/mux"
	"github.com/edup2p/natlayer/types/rpc"
	"github.com/edup2p/natlayer/types/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

var (
	fwdAddr = types.Addr{Host: "forwarder", Port: 12345}

	serverA = key.DeriveServer("server-a")
	serverB = key.DeriveServer("server-b")
	serverC = key.DeriveServer("server-c")
	client  = key.NewClient()
)

type harness struct {
	t  *testing.T
	s  *Server
	tr *transport.Memory
}

func startForwarder(t *testing.T, cfg Config) *harness {
	t.Helper()

	s, err := NewServer(cfg)
	require.NoError(t, err)

	tr := transport.NewMemory()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = s.Serve(ctx, tr, fwdAddr)
	}()

	t.Cleanup(func() {
		cancel()
		_ = s.Close()
	})

	return &harness{t: t, s: s, tr: tr}
}

// leg connects to the forwarder from local, which may be zero.
func (h *harness) leg(local types.Addr) *mux.Multiplexer {
	h.t.Helper()

	var conn net.Conn
	require.Eventually(h.t, func() bool {
		var err error
		conn, err = h.tr.Open(context.Background(), fwdAddr, local, time.Second)
		return err == nil
	}, waitFor, tick)

	m := mux.New(conn, mux.Config{Initiator: true})
	h.t.Cleanup(func() {
		_ = m.Close()
	})
	return m
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// call sends a single request over a fresh control connection.
func call(t *testing.T, m *mux.Multiplexer, req rpc.Request) *rpc.Reply {
	t.Helper()

	c, err := m.OpenConn(ctxT(t), rpc.VirtualPort, types.Addr{})
	require.NoError(t, err)
	defer c.Close()

	r, err := rpc.NewConn(c, rpc.JSON).Call(ctxT(t), req, false)
	require.NoError(t, err)
	return r
}

// serve registers k with port on m, and echoes every connection to it.
func serve(t *testing.T, m *mux.Multiplexer, k key.ServerKey, port uint16) {
	t.Helper()

	_, err := m.WaitForConn(port, echo)
	require.NoError(t, err)

	r := call(t, m, rpc.RegisterServer{Key: k, Port: gonull.NewNullable(port)})
	require.True(t, r.OK(), r.Message())
}

func echo(c *mux.Conn) {
	defer c.Close()
	_, _ = io.Copy(c, c)
}

// connect asks the forwarder to relay to port of k, the returned connection is only usable if the reply is OK.
func connect(t *testing.T, m *mux.Multiplexer, k key.ServerKey, port uint16) (*mux.Conn, *rpc.Reply) {
	t.Helper()

	c, err := m.OpenConn(ctxT(t), rpc.VirtualPort, types.Addr{})
	require.NoError(t, err)

	r, err := rpc.NewConn(c, rpc.JSON).Call(ctxT(t), rpc.ClientInit{Server: k, Port: port, Client: client}, false)
	require.NoError(t, err)

	return c, r
}

func roundTrip(t *testing.T, c *mux.Conn, msg string) {
	t.Helper()

	_, err := c.Write([]byte(msg))
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitFor)))
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	require.Equal(t, msg, string(buf))
}

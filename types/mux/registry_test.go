package mux

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/transport"
)

var (
	serverAddr = types.Addr{Host: "server", Port: 4000}
	clientAddr = types.Addr{Host: "client", Port: 5000}
)

func echo(c *Conn) {
	defer c.Close()
	_, _ = io.Copy(c, c)
}

func registries(t *testing.T) (tr *transport.Memory, server, client *Registry) {
	tr = transport.NewMemory()
	server = NewRegistry(tr, Config{})
	client = NewRegistry(tr, Config{})

	t.Cleanup(func() {
		server.StopAll()
		client.StopAll()
	})

	return tr, server, client
}

// slowTransport widens the window between deciding to open or listen and actually having done so.
type slowTransport struct {
	transport.Transport
	delay time.Duration
}

func (s slowTransport) Open(ctx context.Context, remote, local types.Addr, timeout time.Duration) (net.Conn, error) {
	time.Sleep(s.delay)
	return s.Transport.Open(ctx, remote, local, timeout)
}

func (s slowTransport) Listen(ctx context.Context, local types.Addr, accept transport.AcceptFunc) (transport.Listener, error) {
	time.Sleep(s.delay)
	return s.Transport.Listen(ctx, local, accept)
}

func roundTrip(t *testing.T, c net.Conn, msg string) {
	_, err := c.Write([]byte(msg))
	require.NoError(t, err)

	back := make([]byte, len(msg))
	_, err = io.ReadFull(c, back)
	require.NoError(t, err)
	assert.Equal(t, msg, string(back))
}

func TestRegistryReusesMultiplexer(t *testing.T) {
	_, server, client := registries(t)

	_, err := server.WaitForConn(context.Background(), serverAddr, echo)
	require.NoError(t, err)

	c1, err := client.OpenConn(context.Background(), serverAddr, serverAddr.Port, types.Addr{})
	require.NoError(t, err)
	defer c1.Close()

	c2, err := client.OpenConn(context.Background(), serverAddr, serverAddr.Port, types.Addr{})
	require.NoError(t, err)
	defer c2.Close()

	assert.Same(t, c1.Multiplexer(), c2.Multiplexer())
	assert.NotEqual(t, c1.ID(), c2.ID())

	roundTrip(t, c1, "one")
	roundTrip(t, c2, "two")

	muxes, _, _ := client.Counts()
	assert.Equal(t, 1, muxes)

	assert.Eventually(t, func() bool {
		muxes, waits, handles := server.Counts()
		return muxes == 1 && waits == 1 && handles == 1
	}, assertEventuallyTimeout, assertEventuallyTick)
}

func TestRegistryVirtualOpenNeedsMultiplexer(t *testing.T) {
	_, _, client := registries(t)

	_, err := client.VirtualOpenConn(context.Background(), serverAddr, 1, types.Addr{})
	assert.ErrorIs(t, err, ErrNoMultiplexer)
}

func TestRegistryVirtualWaitReachesEveryMultiplexer(t *testing.T) {
	_, server, client := registries(t)

	_, err := server.WaitForConn(context.Background(), serverAddr, echo)
	require.NoError(t, err)

	// a virtual port that is not the real listen port
	extra := types.Addr{Host: serverAddr.Host, Port: 9}
	h := server.VirtualWaitForConn(extra, echo)

	m, err := client.Dial(context.Background(), serverAddr, types.Addr{})
	require.NoError(t, err)

	c, err := client.VirtualOpenConn(context.Background(), serverAddr, extra.Port, types.Addr{})
	require.NoError(t, err)
	assert.Same(t, m, c.Multiplexer())
	roundTrip(t, c, "virtual")
	c.Close()

	require.NoError(t, server.VirtualStopComm(h))
	assert.ErrorIs(t, server.VirtualStopComm(h), ErrInvalidHandle)

	_, err = client.VirtualOpenConn(context.Background(), serverAddr, extra.Port, types.Addr{})
	assert.ErrorIs(t, err, ErrConnRefused)
}

func TestRegistryWaitReplacesHandle(t *testing.T) {
	_, server, client := registries(t)

	first, err := server.WaitForConn(context.Background(), serverAddr, func(c *Conn) {
		c.Write([]byte("first"))
		c.Close()
	})
	require.NoError(t, err)

	second, err := server.WaitForConn(context.Background(), serverAddr, func(c *Conn) {
		c.Write([]byte("second"))
		c.Close()
	})
	require.NoError(t, err)

	assert.ErrorIs(t, server.StopComm(first), ErrInvalidHandle)

	c, err := client.OpenConn(context.Background(), serverAddr, serverAddr.Port, types.Addr{})
	require.NoError(t, err)
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	require.NoError(t, server.StopComm(second))

	_, _, handles := server.Counts()
	assert.Zero(t, handles)
}

func TestRegistryDuplicateTuple(t *testing.T) {
	tr, server, client := registries(t)

	_, err := server.WaitForConn(context.Background(), serverAddr, echo)
	require.NoError(t, err)

	_, err = client.Dial(context.Background(), serverAddr, clientAddr)
	require.NoError(t, err)

	// a second registry on the same transport can not reuse the 4-tuple
	other := NewRegistry(tr, Config{})
	defer other.StopAll()

	_, err = other.Dial(context.Background(), serverAddr, clientAddr)
	assert.ErrorIs(t, err, transport.ErrAddrInUse)
}

func TestRegistryErrorDelegateAndRemoval(t *testing.T) {
	_, server, client := registries(t)

	rec := new(delegateRecorder)
	client.SetErrorDelegate(rec.delegate)

	_, err := server.WaitForConn(context.Background(), serverAddr, echo)
	require.NoError(t, err)

	c, err := client.OpenConn(context.Background(), serverAddr, serverAddr.Port, types.Addr{})
	require.NoError(t, err)

	// killing the server side kills the real connection
	for _, m := range server.Multiplexers() {
		m.Close()
	}

	_, err = c.Recv(1, true)
	assert.ErrorIs(t, err, ErrSocketClosed)

	assert.Eventually(t, func() bool {
		muxes, _, _ := client.Counts()
		return muxes == 0
	}, assertEventuallyTimeout, assertEventuallyTick)

	calls := rec.get()
	require.Len(t, calls, 1)
	assert.Same(t, c.Multiplexer(), calls[0].m)

	// the next open dials a fresh multiplexer
	c2, err := client.OpenConn(context.Background(), serverAddr, serverAddr.Port, types.Addr{})
	require.NoError(t, err)
	assert.NotSame(t, c.Multiplexer(), c2.Multiplexer())
	roundTrip(t, c2, "again")
}

func TestRegistryStopAllEmptiesEverything(t *testing.T) {
	_, server, client := registries(t)

	_, err := server.WaitForConn(context.Background(), serverAddr, echo)
	require.NoError(t, err)
	server.VirtualWaitForConn(types.Addr{Host: "server", Port: 9}, echo)

	c, err := client.OpenConn(context.Background(), serverAddr, serverAddr.Port, types.Addr{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		muxes, _, _ := server.Counts()
		return muxes == 1
	}, assertEventuallyTimeout, assertEventuallyTick)

	server.StopAll()

	muxes, waits, handles := server.Counts()
	assert.Zero(t, muxes)
	assert.Zero(t, waits)
	assert.Zero(t, handles)

	_, err = c.Recv(1, true)
	assert.ErrorIs(t, err, ErrSocketClosed)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = client.OpenConn(ctx, serverAddr, serverAddr.Port, types.Addr{})
	assert.True(t, errors.Is(err, transport.ErrRefused) || errors.Is(err, ErrSocketClosed), "got %v", err)
}

func TestRegistryConcurrentDialsShareMultiplexer(t *testing.T) {
	tr, server, _ := registries(t)

	_, err := server.WaitForConn(context.Background(), serverAddr, echo)
	require.NoError(t, err)

	client := NewRegistry(slowTransport{Transport: tr, delay: 20 * time.Millisecond}, Config{})
	defer client.StopAll()

	const n = 8
	got := make([]*Multiplexer, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()

			m, err := client.Dial(context.Background(), serverAddr, types.Addr{})
			assert.NoError(t, err)
			got[i] = m
		}()
	}
	wg.Wait()

	for _, m := range got {
		require.NotNil(t, m)
		assert.Same(t, got[0], m)
	}

	muxes, _, _ := client.Counts()
	assert.Equal(t, 1, muxes)

	assert.Eventually(t, func() bool {
		muxes, _, _ := server.Counts()
		return muxes == 1
	}, assertEventuallyTimeout, assertEventuallyTick)

	client.StopAll()

	for _, m := range got {
		assert.False(t, m.Alive())
	}
}

func TestRegistryConcurrentWaitReplacement(t *testing.T) {
	tr := transport.NewMemory()
	server := NewRegistry(slowTransport{Transport: tr, delay: 5 * time.Millisecond}, Config{})
	client := NewRegistry(tr, Config{})
	t.Cleanup(func() {
		server.StopAll()
		client.StopAll()
	})

	first, err := server.WaitForConn(context.Background(), serverAddr, echo)
	require.NoError(t, err)

	for range 10 {
		var (
			wg      sync.WaitGroup
			handles [2]*Handle
		)
		for i := range handles {
			wg.Add(1)
			go func() {
				defer wg.Done()

				h, err := server.WaitForConn(context.Background(), serverAddr, echo)
				assert.NoError(t, err)
				handles[i] = h
			}()
		}
		wg.Wait()

		require.NotNil(t, handles[0])
		require.NotNil(t, handles[1])

		_, _, n := server.Counts()
		assert.Equal(t, 1, n)
	}

	assert.ErrorIs(t, server.StopComm(first), ErrInvalidHandle)

	// the real listener survived every replacement
	c, err := client.OpenConn(context.Background(), serverAddr, serverAddr.Port, types.Addr{})
	require.NoError(t, err)
	defer c.Close()
	roundTrip(t, c, "still bound")
}

func TestRegistryReplacementReusesListener(t *testing.T) {
	_, server, client := registries(t)

	_, err := server.WaitForConn(context.Background(), serverAddr, echo)
	require.NoError(t, err)

	// a cancelled context does not matter, the bound listener is reused
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h, err := server.WaitForConn(ctx, serverAddr, echo)
	require.NoError(t, err)

	c, err := client.OpenConn(context.Background(), serverAddr, serverAddr.Port, types.Addr{})
	require.NoError(t, err)
	defer c.Close()
	roundTrip(t, c, "kept")

	require.NoError(t, server.StopComm(h))
}

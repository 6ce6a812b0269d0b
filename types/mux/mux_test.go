package mux

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/frame"
)

func TestOpenConnAndExchange(t *testing.T) {
	a, b := muxPair(t, Config{}, Config{})
	ac, bc := connPair(t, a, b)

	assert.Equal(t, uint64(0), ac.ID()%2, "initiator allocates even ids")
	assert.Equal(t, ac.ID(), bc.ID())
	assert.Equal(t, testPort, types.AddrFrom(ac.RemoteAddr()).Port)
	assert.Equal(t, testPort, types.AddrFrom(bc.LocalAddr()).Port)

	n, err := ac.Send([]byte("hello"), true)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	got, err := bc.Recv(100, true)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	_, err = bc.Write([]byte("world"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(ac, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	assert.Equal(t, 1, a.NumConns())
	assert.Equal(t, 1, b.NumConns())
}

func TestOrderingBeyondWindow(t *testing.T) {
	cfg := Config{Window: 4096}
	a, b := muxPair(t, cfg, cfg)
	ac, bc := connPair(t, a, b)

	payload := make([]byte, 300*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	go func() {
		// many sends of odd sizes, they must come out in one piece and in order
		for off := 0; off < len(payload); off += 777 {
			end := min(off+777, len(payload))
			if _, err := ac.Write(payload[off:end]); err != nil {
				return
			}
		}
		ac.Close()
	}()

	got, err := io.ReadAll(bc)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "stream was reordered or corrupted")
}

func TestConcurrentConnsAreIndependent(t *testing.T) {
	a, b := muxPair(t, Config{}, Config{})

	l, err := b.WaitForConn(testPort, func(c *Conn) {
		defer c.Close()
		_, _ = io.Copy(c, c)
	})
	require.NoError(t, err)
	defer l.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			c, err := a.OpenConn(context.Background(), testPort, types.Addr{})
			if !assert.NoError(t, err) {
				return
			}
			defer c.Close()

			msg := bytes.Repeat([]byte{byte(i)}, 10000)
			_, err = c.Write(msg)
			assert.NoError(t, err)

			back := make([]byte, len(msg))
			_, err = io.ReadFull(c, back)
			assert.NoError(t, err)
			assert.Equal(t, msg, back)
		}(i)
	}
	wg.Wait()
}

func TestOpenConnRefused(t *testing.T) {
	a, _ := muxPair(t, Config{}, Config{})

	_, err := a.OpenConn(context.Background(), 99, types.Addr{})
	assert.ErrorIs(t, err, ErrConnRefused)
}

func TestOpenConnTimeoutAndLateConfirm(t *testing.T) {
	ca, cb := pipe()
	a := New(ca, Config{Initiator: true})
	defer a.Close()

	peer := newRawPeer(cb)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := a.OpenConn(ctx, testPort, types.Addr{})
		errCh <- err
	}()

	init := peer.read(t)
	require.Equal(t, frame.TypeInitClient, init.Type)

	var hs handshake
	require.NoError(t, json.Unmarshal(init.Payload, &hs))
	assert.Equal(t, testPort, hs.Port)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("OpenConn did not time out")
	}

	// confirming afterwards must not leave a half-open connection behind
	peer.write(t, frame.InitStatus(init.ConnID, true))

	term := peer.read(t)
	assert.Equal(t, frame.TypeTerm, term.Type)
	assert.Equal(t, init.ConnID, term.ConnID)
	assert.Zero(t, a.NumConns())
}

func TestPeerCloseDrain(t *testing.T) {
	a, b := muxPair(t, Config{}, Config{})
	ac, bc := connPair(t, a, b)

	_, err := ac.Send([]byte("last words"), true)
	require.NoError(t, err)
	require.NoError(t, ac.Close())

	assert.Eventually(t, bc.Closed, assertEventuallyTimeout, assertEventuallyTick)

	got, err := bc.Recv(4, false)
	require.NoError(t, err)
	assert.Equal(t, "last", string(got))

	got, err = bc.Recv(100, false)
	require.NoError(t, err)
	assert.Equal(t, " words", string(got))

	_, err = bc.Recv(100, false)
	assert.ErrorIs(t, err, ErrSocketClosed)

	_, err = bc.Send([]byte("too late"), true)
	assert.ErrorIs(t, err, ErrSocketClosed)
}

func TestLocalCloseDrain(t *testing.T) {
	a, b := muxPair(t, Config{}, Config{})
	ac, bc := connPair(t, a, b)

	_, err := ac.Send([]byte("buffered"), true)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return bc.Buffered() == len("buffered")
	}, assertEventuallyTimeout, assertEventuallyTick)

	require.NoError(t, bc.Close())
	require.NoError(t, bc.Close(), "closing twice is harmless")

	_, err = bc.Send([]byte("x"), false)
	assert.ErrorIs(t, err, ErrSocketClosed)

	got, err := bc.Recv(100, true)
	require.NoError(t, err)
	assert.Equal(t, "buffered", string(got))

	_, err = bc.Recv(100, true)
	assert.ErrorIs(t, err, ErrSocketClosed)

	// the peer hears about it
	buf := make([]byte, 1)
	_, err = ac.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestNonBlockingOperations(t *testing.T) {
	a, b := muxPair(t, Config{}, Config{Window: 16})
	ac, bc := connPair(t, a, b)

	_, err := bc.Recv(10, false)
	assert.ErrorIs(t, err, ErrWouldBlock)

	_, err = bc.Recv(0, false)
	assert.ErrorIs(t, err, ErrInvalidLength)

	assert.Eventually(t, func() bool {
		return ac.SendCredit() == 16
	}, assertEventuallyTimeout, assertEventuallyTick)

	n, err := ac.Send(bytes.Repeat([]byte{'x'}, 100), false)
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, 16, n)

	assert.Eventually(t, func() bool {
		return bc.Buffered() == 16
	}, assertEventuallyTimeout, assertEventuallyTick)

	// reading a credit unit worth returns the credit
	_, err = bc.Recv(16, false)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return ac.SendCredit() == 16
	}, assertEventuallyTimeout, assertEventuallyTick)
}

func TestBlockingSendWaitsForCredit(t *testing.T) {
	a, b := muxPair(t, Config{}, Config{Window: 8})
	ac, bc := connPair(t, a, b)

	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := ac.Send([]byte("0123456789abcdef"), true)
		assert.NoError(t, err)
		assert.Equal(t, 16, n)
	}()

	select {
	case <-done:
		t.Fatal("send finished without the receiver making room")
	case <-time.After(50 * time.Millisecond):
	}

	got := make([]byte, 16)
	_, err := io.ReadFull(bc, got)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", string(got))

	<-done
}

func TestReadDeadline(t *testing.T) {
	a, b := muxPair(t, Config{}, Config{})
	_, bc := connPair(t, a, b)

	require.NoError(t, bc.SetReadDeadline(time.Now().Add(20*time.Millisecond)))

	_, err := bc.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = bc.RecvContext(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestListenerReplacement(t *testing.T) {
	a, b := muxPair(t, Config{}, Config{})

	first, err := b.Listen(testPort)
	require.NoError(t, err)
	second, err := b.Listen(testPort)
	require.NoError(t, err)

	assert.ErrorIs(t, first.Close(), ErrInvalidHandle)

	c, err := a.OpenConn(context.Background(), testPort, types.Addr{})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	accepted, err := second.AcceptConn(ctx)
	require.NoError(t, err)
	assert.Equal(t, c.ID(), accepted.ID())

	require.NoError(t, second.Close())
	assert.ErrorIs(t, second.Close(), ErrInvalidHandle)

	_, err = a.OpenConn(context.Background(), testPort, types.Addr{})
	assert.ErrorIs(t, err, ErrConnRefused)
}

func TestStopCommKeepsExistingConns(t *testing.T) {
	a, b := muxPair(t, Config{}, Config{})
	ac, bc := connPair(t, a, b)

	assert.False(t, bc.Closing())

	b.StopComm()
	assert.Equal(t, StateClosing, b.State())
	assert.Empty(t, b.Ports())
	assert.True(t, bc.Closing())
	assert.False(t, ac.Closing(), "the peer is still active")

	_, err := a.OpenConn(context.Background(), testPort, types.Addr{})
	assert.ErrorIs(t, err, ErrConnRefused)

	_, err = b.OpenConn(context.Background(), testPort, types.Addr{})
	assert.ErrorIs(t, err, ErrConnRefused)

	_, err = ac.Write([]byte("still here"))
	require.NoError(t, err)
	got, err := bc.Recv(100, true)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(got))

	require.NoError(t, bc.Close())

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("multiplexer did not close after its last connection")
	}
	assert.ErrorIs(t, b.Err(), ErrMuxClosed)
}

func TestStopCommWakesBlockedRecv(t *testing.T) {
	a, b := muxPair(t, Config{}, Config{})
	ac, bc := connPair(t, a, b)

	got := make(chan []byte, 1)
	go func() {
		p, err := bc.RecvContext(context.Background(), 100)
		assert.NoError(t, err)
		got <- p
	}()

	// let the receiver block
	time.Sleep(20 * time.Millisecond)
	b.StopComm()

	select {
	case <-got:
		t.Fatal("stopping communication ended a blocked receive")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, bc.Closing())

	_, err := ac.Write([]byte("after stop"))
	require.NoError(t, err)

	select {
	case p := <-got:
		assert.Equal(t, "after stop", string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not complete")
	}
}

func TestTransportLossFailsEveryConn(t *testing.T) {
	rec := new(delegateRecorder)
	a, b := muxPair(t, Config{}, Config{ErrorDelegate: rec.delegate})
	ac, bc := connPair(t, a, b)

	hooked := make(chan struct{})
	b.OnClose(func(*Multiplexer) { close(hooked) })

	require.NoError(t, a.Close())

	_, err := bc.Recv(10, true)
	assert.ErrorIs(t, err, ErrSocketClosed)

	_, err = ac.Send([]byte("x"), true)
	assert.ErrorIs(t, err, ErrSocketClosed)

	<-hooked
	calls := rec.get()
	require.Len(t, calls, 1)
	assert.Equal(t, b, calls[0].m)
	assert.Equal(t, "receiver", calls[0].location)
	assert.Equal(t, StateClosed, b.State())

	// registering after the fact still runs the hook
	ran := false
	b.OnClose(func(*Multiplexer) { ran = true })
	assert.True(t, ran)
}

func TestFramingErrorKillsMultiplexer(t *testing.T) {
	rec := new(delegateRecorder)
	ca, cb := pipe()
	m := New(ca, Config{ErrorDelegate: rec.delegate})
	defer m.Close()

	_, err := cb.Write([]byte("007;9;0;1;"))
	require.NoError(t, err)

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("multiplexer survived a framing error")
	}

	calls := rec.get()
	require.Len(t, calls, 1)
	assert.ErrorIs(t, calls[0].err, frame.ErrFraming)
}

func TestCreditOverflowClosesOnlyThatConn(t *testing.T) {
	ca, cb := pipe()
	m := New(ca, Config{Window: 8})
	defer m.Close()

	l, err := m.Listen(testPort)
	require.NoError(t, err)

	peer := newRawPeer(cb)
	hs := handshake{Port: testPort, Window: 1024}
	peer.write(t, frame.InitClient(0, hs.marshal()))

	status := peer.read(t)
	require.True(t, status.Confirmed())
	credit := peer.read(t)
	n, err := credit.Credit()
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n)

	c, err := l.AcceptConn(context.Background())
	require.NoError(t, err)

	peer.write(t, frame.Data(0, []byte("0123456789")))

	term := peer.read(t)
	assert.Equal(t, frame.TypeTerm, term.Type)
	assert.Equal(t, uint64(0), term.ConnID)

	_, err = c.Recv(1, true)
	assert.ErrorIs(t, err, ErrSocketClosed)
	assert.ErrorIs(t, err, ErrCreditOverflow)
	assert.True(t, m.Alive())
}

func TestPeerUsingOurIDParityIsFramingError(t *testing.T) {
	ca, cb := pipe()
	m := New(ca, Config{Initiator: true})
	defer m.Close()

	_, err := m.Listen(testPort)
	require.NoError(t, err)

	peer := newRawPeer(cb)
	peer.write(t, frame.InitClient(2, handshake{Port: testPort}.marshal()))

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("multiplexer accepted a colliding id")
	}
	assert.True(t, errors.Is(m.Err(), frame.ErrFraming))
}

func TestCloseFailsPendingOpen(t *testing.T) {
	ca, cb := pipe()
	m := New(ca, Config{Initiator: true})
	peer := newRawPeer(cb)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.OpenConn(context.Background(), testPort, types.Addr{})
		errCh <- err
	}()

	peer.read(t)
	require.NoError(t, m.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSocketClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("OpenConn kept waiting on a closed multiplexer")
	}
}

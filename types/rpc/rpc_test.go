package rpc

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/LukaGiorgadze/gonull"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edup2p/natlayer/types/key"
)

var (
	dummyServer = key.DeriveServer("rpc-test-server")
	dummyClient = key.NewClient()
)

func TestEnvelopePrefix(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, writeMessage(&buf, []byte(`{"id":1}`)))
	assert.Equal(t, `0008{"id":1}`, buf.String())

	b, err := readMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(b))
}

func TestEnvelopeTooLarge(t *testing.T) {
	var buf bytes.Buffer

	err := writeMessage(&buf, make([]byte, MaxMessage+1))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Zero(t, buf.Len())
}

func TestEnvelopeMalformed(t *testing.T) {
	_, err := readMessage(strings.NewReader("00x1{"))
	assert.ErrorIs(t, err, ErrBadLength)

	_, err = readMessage(strings.NewReader("0010{short"))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRequestsRoundTrip(t *testing.T) {
	requests := []Request{
		ExternalAddr{},
		RegisterServer{Key: dummyServer, Port: gonull.NewNullable[uint16](8080)},
		RegisterServer{Key: dummyServer},
		DeregisterServer{Key: gonull.NewNullable(dummyServer)},
		DeregisterServer{},
		RegisterPort{Server: dummyServer, Port: 22},
		DeregisterPort{Server: dummyServer, Port: 22},
		ClientInit{Server: dummyServer, Port: 443, Client: dummyClient},
	}

	for _, codec := range []Codec{JSON, BSON} {
		for _, req := range requests {
			t.Run(codec.Name()+"/"+string(req.Op()), func(t *testing.T) {
				var buf bytes.Buffer

				c := NewConn(&buf, codec)
				require.NoError(t, c.write(requestEnvelope{ID: 7, Request: req.Op(), Value: req, Additional: true}))

				in, err := c.ReadRequest()
				require.NoError(t, err)

				assert.Equal(t, uint64(7), in.ID)
				assert.True(t, in.Additional)
				assert.Equal(t, req.Op(), in.Op())
				assertSameRequest(t, req, in.Request)
			})
		}
	}
}

// assertSameRequest compares only what is carried, gonull keeps bookkeeping fields that do not survive a
// round trip byte for byte.
func assertSameRequest(t *testing.T, want, got Request) {
	t.Helper()

	switch w := want.(type) {
	case RegisterServer:
		g := got.(RegisterServer)
		assert.Equal(t, w.Key, g.Key)
		assert.Equal(t, w.Port.Valid, g.Port.Valid)
		assert.Equal(t, w.Port.Val, g.Port.Val)
	case DeregisterServer:
		g := got.(DeregisterServer)
		assert.Equal(t, w.Key.Valid, g.Key.Valid)
		assert.Equal(t, w.Key.Val, g.Key.Val)
	default:
		assert.Equal(t, want, got)
	}
}

func TestUnknownRequest(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, []byte(`{"id":3,"request":"reboot","value":null}`)))

	in, err := NewConn(&buf, JSON).ReadRequest()
	assert.ErrorIs(t, err, ErrUnknownOp)
	require.NotNil(t, in)
	assert.Equal(t, uint64(3), in.ID)
}

func TestReplyWireFormat(t *testing.T) {
	var buf bytes.Buffer
	c := NewConn(&buf, JSON)

	require.NoError(t, c.WriteReply(1, false, ResultNoServer, false))
	assert.Equal(t, `0062{"id":1,"status":false,"value":"NO_SERVER","additional":false}`, buf.String())

	r, err := c.ReadReply()
	require.NoError(t, err)
	assert.False(t, r.OK())
	assert.Equal(t, ResultNoServer, r.Result())

	require.NoError(t, c.WriteReply(2, true, ResultConfirmed, false))
	assert.Contains(t, buf.String(), `"status":true`)

	r, err = c.ReadReply()
	require.NoError(t, err)
	assert.True(t, r.OK())
	assert.Equal(t, ResultConfirmed, r.Result())
}

func TestReplyResult(t *testing.T) {
	for _, codec := range []Codec{JSON, BSON} {
		t.Run(codec.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			c := NewConn(&buf, codec)

			for _, tc := range []struct {
				status bool
				value  any
				want   Result
			}{
				{true, nil, ResultConfirmed},
				{true, AddrResult{IP: "192.0.2.1", Port: 1}, ResultConfirmed},
				{false, ResultBusyServer, ResultBusyServer},
				{false, "in_use (server x)", ResultFailed},
				{false, nil, ResultFailed},
				// a result that contradicts the status loses
				{false, ResultConfirmed, ResultFailed},
				{true, ResultNoServer, ResultConfirmed},
			} {
				require.NoError(t, c.WriteReply(1, tc.status, tc.value, false))

				r, err := c.ReadReply()
				require.NoError(t, err)
				assert.Equal(t, tc.status, r.OK())
				assert.Equal(t, tc.want, r.Result(), "%v %v", tc.status, tc.value)
			}
		})
	}
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, JSON, c)

	c, err = CodecByName("bson")
	require.NoError(t, err)
	assert.Equal(t, BSON, c)

	_, err = CodecByName("xml")
	assert.Error(t, err)
}

func serve(t *testing.T, conn net.Conn, codec Codec, handle func(in *IncomingRequest) (bool, any)) {
	t.Helper()

	go func() {
		defer conn.Close()

		c := NewConn(conn, codec)
		for {
			in, err := c.ReadRequest()
			if err != nil {
				return
			}
			status, value := handle(in)
			if err := c.WriteReply(in.ID, status, value, false); err != nil {
				return
			}
		}
	}()
}

func TestCall(t *testing.T) {
	for _, codec := range []Codec{JSON, BSON} {
		t.Run(codec.Name(), func(t *testing.T) {
			a, b := net.Pipe()
			defer a.Close()

			serve(t, b, codec, func(in *IncomingRequest) (bool, any) {
				switch r := in.Request.(type) {
				case ExternalAddr:
					return true, AddrResult{IP: "192.0.2.1", Port: 4000}
				case ClientInit:
					if r.Server != dummyServer {
						return false, ResultNoServer
					}
					return false, ResultBusyServer
				case RegisterPort:
					return false, "port taken"
				default:
					return false, "unexpected"
				}
			})

			c := NewConn(a, codec)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			r, err := c.Call(ctx, ExternalAddr{}, true)
			require.NoError(t, err)
			assert.True(t, r.OK())

			var addr AddrResult
			require.NoError(t, r.Decode(&addr))
			assert.Equal(t, AddrResult{IP: "192.0.2.1", Port: 4000}, addr)

			r, err = c.Call(ctx, ClientInit{Server: dummyServer, Port: 1, Client: dummyClient}, true)
			require.NoError(t, err)
			assert.False(t, r.OK())
			assert.Equal(t, ResultBusyServer, r.Result())

			r, err = c.Call(ctx, RegisterPort{Server: dummyServer, Port: 1}, true)
			require.NoError(t, err)
			assert.False(t, r.OK())
			assert.Equal(t, "port taken", r.Message())
			assert.Equal(t, ResultFailed, r.Result())

			r, err = c.Call(ctx, ClientInit{Server: key.DeriveServer("other"), Port: 1, Client: dummyClient}, false)
			require.NoError(t, err)
			assert.False(t, r.OK())
			assert.Equal(t, ResultNoServer, r.Result())
		})
	}
}

func TestCallIDMismatch(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	serve(t, b, JSON, func(in *IncomingRequest) (bool, any) {
		in.ID += 100
		return true, nil
	})

	_, err := NewConn(a, JSON).Call(context.Background(), ExternalAddr{}, false)
	assert.ErrorIs(t, err, ErrIDMismatch)
}

func TestCallContextDone(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	// b never reads, so the write blocks until the context gives up
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewConn(a, JSON).Call(ctx, ExternalAddr{}, false)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

package rpc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Conn carries requests and replies over one stream, usually a virtual connection.
type Conn struct {
	rw    io.ReadWriter
	codec Codec

	readMutex  sync.Mutex
	writeMutex sync.Mutex

	nextID atomic.Uint64
}

func NewConn(rw io.ReadWriter, codec Codec) *Conn {
	if codec == nil {
		codec = JSON
	}
	return &Conn{rw: rw, codec: codec}
}

func (c *Conn) Codec() Codec {
	return c.codec
}

// IncomingRequest is a request as read by the serving side.
type IncomingRequest struct {
	ID uint64
	Request
	// Additional is set when the caller wants to send more requests over the same connection.
	Additional bool
}

// Reply is a reply as read by the calling side, Decode gets at its value.
//
// Status tells whether the request succeeded. The value of a failed reply is the reason, as a string.
type Reply struct {
	ID         uint64
	Status     bool
	Additional bool

	raw   []byte
	codec Codec
}

// Decode decodes the value of the reply into v, which must be a pointer.
func (r *Reply) Decode(v any) error {
	return r.codec.DecodeValue(r.raw, v)
}

// Message decodes a string value, which is what failed requests carry.
func (r *Reply) Message() string {
	var s string
	if err := r.codec.DecodeValue(r.raw, &s); err != nil {
		return ""
	}
	return s
}

func (r *Reply) OK() bool {
	return r.Status
}

// Result reads the value of a client_init reply.
//
// A value that is not a Result reads as ResultConfirmed on success, and as ResultFailed otherwise.
func (r *Reply) Result() Result {
	switch res := Result(r.Message()); res {
	case ResultNoServer, ResultBusyServer, ResultFailed:
		if !r.Status {
			return res
		}
	case ResultConfirmed:
		if r.Status {
			return res
		}
	}

	if r.Status {
		return ResultConfirmed
	}
	return ResultFailed
}

// Call sends req and waits for its reply.
func (c *Conn) Call(ctx context.Context, req Request, additional bool) (*Reply, error) {
	defer c.watch(ctx)()

	id := c.nextID.Add(1)

	if err := c.write(requestEnvelope{ID: id, Request: req.Op(), Value: req, Additional: additional}); err != nil {
		return nil, fmt.Errorf("could not send %s request: %w", req.Op(), err)
	}

	r, err := c.ReadReply()
	if err != nil {
		return nil, fmt.Errorf("could not read %s reply: %w", req.Op(), err)
	}

	if r.ID != id {
		return nil, fmt.Errorf("%w: sent id %d, got %d", ErrIDMismatch, id, r.ID)
	}

	return r, nil
}

// watch makes the underlying stream give up when ctx is done, if it supports deadlines.
func (c *Conn) watch(ctx context.Context) (stop func()) {
	d, ok := c.rw.(deadliner)
	if !ok {
		return func() {}
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = d.SetDeadline(dl)
	}
	cancel := context.AfterFunc(ctx, func() {
		_ = d.SetDeadline(time.Now())
	})

	return func() {
		cancel()
		_ = d.SetDeadline(time.Time{})
	}
}

func (c *Conn) ReadReply() (*Reply, error) {
	c.readMutex.Lock()
	defer c.readMutex.Unlock()

	data, err := readMessage(c.rw)
	if err != nil {
		return nil, err
	}

	var h replyHeader
	if err := c.codec.Decode(data, &h); err != nil {
		return nil, fmt.Errorf("could not decode reply: %w", err)
	}

	return &Reply{
		ID:         h.ID,
		Status:     h.Status,
		Additional: h.Additional,
		raw:        data,
		codec:      c.codec,
	}, nil
}

// ReadRequest reads the next request, io.EOF means the caller is done.
func (c *Conn) ReadRequest() (*IncomingRequest, error) {
	c.readMutex.Lock()
	defer c.readMutex.Unlock()

	data, err := readMessage(c.rw)
	if err != nil {
		return nil, err
	}

	var h requestHeader
	if err := c.codec.Decode(data, &h); err != nil {
		return nil, fmt.Errorf("could not decode request: %w", err)
	}

	req, err := decodeRequest(c.codec, h.Request, data)
	if err != nil {
		return &IncomingRequest{ID: h.ID, Additional: h.Additional}, err
	}

	return &IncomingRequest{ID: h.ID, Request: req, Additional: h.Additional}, nil
}

// WriteReply answers the request with id, value is the reason when status is false.
func (c *Conn) WriteReply(id uint64, status bool, value any, additional bool) error {
	return c.write(replyEnvelope{ID: id, Status: status, Value: value, Additional: additional})
}

func (c *Conn) write(v any) error {
	b, err := c.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("could not encode message: %w", err)
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	return writeMessage(c.rw, b)
}

// Package natlayer lets servers behind NAT accept connections through a forwarder, and lets clients reach them.
package natlayer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/advertise"
	"github.com/edup2p/natlayer/types/key"
	"github.com/edup2p/natlayer/types/mux"
	"github.com/edup2p/natlayer/types/rpc"
	"github.com/edup2p/natlayer/types/transport"
)

const (
	DefaultRPCTimeout    = 5 * time.Second
	DefaultRetryInterval = 30 * time.Second
)

type Config struct {
	// Transport to reach forwarders with, TCP if nil.
	Transport transport.Transport

	Mux mux.Config

	// Advertiser finds forwarders when none is given explicitly, and is where servers are announced.
	Advertiser        advertise.Advertiser
	AdvertiseInterval time.Duration

	// Codec of the control connections, has to match the forwarder's.
	Codec rpc.Codec

	// RPCTimeout bounds every exchange with a forwarder.
	RPCTimeout time.Duration

	// MaxRetryInterval caps the backoff between attempts to re-establish a lost leg.
	MaxRetryInterval time.Duration

	// Client identifies this side in client_init requests, random if zero.
	Client key.ClientKey
}

func (c *Config) SetDefaults() {
	if c.Transport == nil {
		c.Transport = transport.TCP{}
	}

	if c.Codec == nil {
		c.Codec = rpc.JSON
	}

	if c.RPCTimeout == 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}

	if c.MaxRetryInterval == 0 {
		c.MaxRetryInterval = DefaultRetryInterval
	}

	if c.Client.IsZero() {
		c.Client = key.NewClient()
	}
}

type handleKey struct {
	server key.ServerKey
	port   uint16
}

// Layer holds the legs to forwarders, and the servers that listen over them.
type Layer struct {
	cfg Config

	ctx context.Context
	ccc context.CancelCauseFunc

	reg  *mux.Registry
	pool *advertise.Pool

	mu      sync.Mutex
	handles map[handleKey]*ServerHandle
}

func New(cfg Config) *Layer {
	cfg.SetDefaults()

	ctx, ccc := context.WithCancelCause(context.Background())

	l := &Layer{
		cfg:     cfg,
		ctx:     ctx,
		ccc:     ccc,
		reg:     mux.NewRegistry(cfg.Transport, cfg.Mux),
		handles: make(map[handleKey]*ServerHandle),
	}

	if cfg.Advertiser != nil {
		l.pool = advertise.NewPool(cfg.Advertiser, cfg.AdvertiseInterval, 0)
		go l.pool.Run(ctx)
	}

	return l
}

func (l *Layer) L() *slog.Logger {
	return slog.With("natlayer", l.cfg.Client.Debug())
}

// Registry is where the legs of this layer are kept.
func (l *Layer) Registry() *mux.Registry {
	return l.reg
}

// SetErrorDelegate is told about every leg that fails.
func (l *Layer) SetErrorDelegate(d mux.ErrorDelegate) {
	l.reg.SetErrorDelegate(d)
}

// Close stops every server handle, and disconnects from every forwarder.
func (l *Layer) Close() error {
	if types.IsContextDone(l.ctx) {
		return ErrLayerClosed
	}

	l.mu.Lock()
	handles := make([]*ServerHandle, 0, len(l.handles))
	for _, h := range l.handles {
		handles = append(handles, h)
	}
	l.mu.Unlock()

	for _, h := range handles {
		if err := h.Close(); err != nil {
			l.L().Debug("error when closing server handle", "server", h.key.Debug(), "port", h.port, "err", err)
		}
	}

	l.ccc(ErrLayerClosed)
	l.reg.StopAll()

	return nil
}

// forwarders returns explicit if it is set, otherwise the forwarders found through lookup.
func (l *Layer) forwarders(ctx context.Context, explicit types.Addr, lookup func(context.Context, advertise.Advertiser) ([]types.Addr, error)) ([]types.Addr, error) {
	if !explicit.IsZero() {
		return []types.Addr{explicit}, nil
	}

	if l.cfg.Advertiser == nil {
		return nil, ErrNoAdvertiser
	}

	addrs, err := lookup(ctx, l.cfg.Advertiser)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, ErrNoForwarder
	}
	return addrs, nil
}

// leg returns a live multiplexer to the first forwarder of fwds that can be reached.
func (l *Layer) leg(ctx context.Context, fwds []types.Addr) (*mux.Multiplexer, types.Addr, error) {
	var errs []error

	for _, fwd := range fwds {
		dctx, cancel := context.WithTimeout(ctx, l.cfg.RPCTimeout)
		m, err := l.reg.Dial(dctx, fwd, types.Addr{})
		cancel()

		if err == nil {
			return m, fwd, nil
		}

		l.L().Debug("could not reach forwarder", "forwarder", fwd.String(), "err", err)
		errs = append(errs, err)
	}

	return nil, types.Addr{}, fmt.Errorf("%w: %v", ErrNoForwarder, errs)
}

// call makes the requests in order over one control connection, and stops at the first that is not confirmed.
//
// It returns the reply to the last request.
func (l *Layer) call(ctx context.Context, m *mux.Multiplexer, reqs ...rpc.Request) (*rpc.Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.RPCTimeout)
	defer cancel()

	c, err := m.OpenConn(ctx, rpc.VirtualPort, types.Addr{})
	if err != nil {
		return nil, fmt.Errorf("could not open control connection: %w", err)
	}
	defer c.Close()

	rc := rpc.NewConn(c, l.cfg.Codec)

	var r *rpc.Reply
	for i, req := range reqs {
		r, err = rc.Call(ctx, req, i < len(reqs)-1)
		if err != nil {
			return nil, err
		}
		if !r.OK() {
			return r, replyError(req.Op(), r)
		}
	}

	return r, nil
}

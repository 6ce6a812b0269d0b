package natlayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LukaGiorgadze/gonull"
	"github.com/jpillora/backoff"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/advertise"
	"github.com/edup2p/natlayer/types/key"
	"github.com/edup2p/natlayer/types/mux"
	"github.com/edup2p/natlayer/types/rpc"
)

type ListenOptions struct {
	// Forwarder to register at, looked up through the advertiser if zero.
	Forwarder types.Addr

	// Persist re-establishes the registration when the leg to the forwarder dies, until the handle is closed.
	Persist bool
}

// ServerHandle is a server port that accepts connections through a forwarder.
type ServerHandle struct {
	l       *Layer
	key     key.ServerKey
	port    uint16
	handler mux.Handler
	opts    ListenOptions

	ctx context.Context
	ccc context.CancelCauseFunc

	mu       sync.Mutex
	m        *mux.Multiplexer
	fwd      types.Addr
	listener *mux.Listener
	replaced bool

	persistDone chan struct{}
}

// Listen makes handler receive every connection to port of server k, relayed by a forwarder.
//
// Listening again on the same key and port replaces the earlier handle, which becomes invalid.
func (l *Layer) Listen(ctx context.Context, k key.ServerKey, port uint16, handler mux.Handler, opts ListenOptions) (*ServerHandle, error) {
	if types.IsContextDone(l.ctx) {
		return nil, ErrLayerClosed
	}

	hctx, ccc := context.WithCancelCause(l.ctx)

	h := &ServerHandle{
		l:           l,
		key:         k,
		port:        port,
		handler:     handler,
		opts:        opts,
		ctx:         hctx,
		ccc:         ccc,
		persistDone: make(chan struct{}),
	}

	hk := handleKey{k, port}

	l.mu.Lock()
	old := l.handles[hk]
	delete(l.handles, hk)
	l.mu.Unlock()

	if old != nil {
		old.invalidate()
	}

	if err := h.establish(ctx); err != nil {
		ccc(err)
		close(h.persistDone)
		return nil, err
	}

	l.mu.Lock()
	l.handles[hk] = h
	l.mu.Unlock()

	if opts.Persist {
		go h.persist()
	} else {
		close(h.persistDone)
	}

	return h, nil
}

func (h *ServerHandle) Key() key.ServerKey {
	return h.key
}

func (h *ServerHandle) Port() uint16 {
	return h.port
}

// Forwarder returns the forwarder the server is currently registered at.
func (h *ServerHandle) Forwarder() types.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.fwd
}

// Alive reports whether the leg to the forwarder is up.
func (h *ServerHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.m != nil && h.m.Alive()
}

// establish finds a forwarder, and registers the server and port at it.
func (h *ServerHandle) establish(ctx context.Context) error {
	fwds, err := h.l.forwarders(ctx, h.opts.Forwarder, advertise.Forwarders)
	if err != nil {
		return err
	}

	m, fwd, err := h.l.leg(ctx, fwds)
	if err != nil {
		return err
	}

	// the listener is in place before clients can be sent our way
	ln, err := m.WaitForConn(h.port, h.handler)
	if err != nil {
		return fmt.Errorf("could not listen on leg to %s: %w", fwd, err)
	}

	if _, err := h.l.call(ctx, m,
		rpc.RegisterServer{Key: h.key, Port: gonull.NewNullable(h.port)},
	); err != nil {
		_ = ln.Close()
		return fmt.Errorf("could not register at %s: %w", fwd, err)
	}

	if h.l.pool != nil {
		if err := h.l.pool.Add(ctx, advertise.ServerKey(h.key), fwd.String()); err != nil {
			h.l.L().Warn("could not advertise server", "server", h.key.Debug(), "forwarder", fwd.String(), "err", err)
		}
	}

	h.mu.Lock()
	oldFwd := h.fwd
	h.m, h.fwd, h.listener = m, fwd, ln
	h.mu.Unlock()

	if !oldFwd.IsZero() && oldFwd != fwd && h.l.pool != nil {
		_ = h.l.pool.Remove(ctx, advertise.ServerKey(h.key), oldFwd.String())
	}

	h.l.L().Info("listening through forwarder", "server", h.key.Debug(), "port", h.port, "forwarder", fwd.String())

	return nil
}

// persist waits for the leg to die, and establishes the registration again with backoff.
func (h *ServerHandle) persist() {
	defer close(h.persistDone)

	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    h.l.cfg.MaxRetryInterval,
		Factor: 2,
		Jitter: true,
	}

	for {
		h.mu.Lock()
		m := h.m
		h.mu.Unlock()

		select {
		case <-h.ctx.Done():
			return
		case <-m.Done():
		}

		h.l.L().Info("leg to forwarder lost, re-establishing", "server", h.key.Debug(), "port", h.port, "cause", m.Err())

		for {
			err := h.establish(h.ctx)
			if err == nil {
				b.Reset()
				break
			}

			d := b.Duration()
			h.l.L().Debug("could not re-establish", "server", h.key.Debug(), "attempt", b.Attempt(), "retry", d, "err", err)

			select {
			case <-h.ctx.Done():
				return
			case <-time.After(d):
			}
		}
	}
}

// invalidate stops the persist loop of a handle that was replaced by a newer Listen.
func (h *ServerHandle) invalidate() {
	h.mu.Lock()
	h.replaced = true
	h.mu.Unlock()

	h.ccc(mux.ErrInvalidHandle)
	<-h.persistDone

	h.mu.Lock()
	ln := h.listener
	h.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
}

// Close stops accepting connections, and deregisters the port at the forwarder.
//
// The server is deregistered when it has no port left, and the leg is released when no server is left on it.
func (h *ServerHandle) Close() error {
	h.mu.Lock()
	if h.replaced {
		h.mu.Unlock()
		return mux.ErrInvalidHandle
	}
	h.replaced = true
	h.mu.Unlock()

	h.ccc(context.Canceled)
	<-h.persistDone

	l := h.l

	l.mu.Lock()
	if l.handles[handleKey{h.key, h.port}] == h {
		delete(l.handles, handleKey{h.key, h.port})
	}
	lastPort, lastOnLeg := true, true
	for hk, other := range l.handles {
		if hk.server == h.key {
			lastPort = false
		}
		if other.leg() == h.leg() {
			lastOnLeg = false
		}
	}
	l.mu.Unlock()

	h.mu.Lock()
	m, fwd, ln := h.m, h.fwd, h.listener
	h.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, mux.ErrInvalidHandle) {
			l.L().Debug("could not stop listener", "port", h.port, "err", err)
		}
	}

	if lastPort && l.pool != nil {
		if err := l.pool.Remove(context.Background(), advertise.ServerKey(h.key), fwd.String()); err != nil {
			l.L().Debug("could not withdraw advertisement", "server", h.key.Debug(), "err", err)
		}
	}

	if m == nil || !m.Alive() {
		return nil
	}

	reqs := []rpc.Request{rpc.DeregisterPort{Server: h.key, Port: h.port}}
	if lastPort {
		reqs = append(reqs, rpc.DeregisterServer{Key: gonull.NewNullable(h.key)})
	}

	_, err := l.call(context.Background(), m, reqs...)

	if lastOnLeg {
		// connections that are still relayed keep the leg up until they close
		m.StopComm()
	}

	if err != nil {
		return fmt.Errorf("could not deregister at %s: %w", fwd, err)
	}
	return nil
}

func (h *ServerHandle) leg() *mux.Multiplexer {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.m
}

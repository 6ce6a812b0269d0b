package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/sync/singleflight"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/transport"
)

// Registry tracks the multiplexers of one process, keyed by the real endpoint they connect to,
// together with the virtual listeners every multiplexer should carry.
type Registry struct {
	transport transport.Transport
	cfg       Config

	mu sync.Mutex
	// "IP:host:port" -> multiplexer
	muxes map[string]*Multiplexer
	// virtual listen address -> the listeners it put on every multiplexer
	waits map[types.Addr]*virtualWait
	// "LISTEN:host:port" -> real listener
	handles map[string]*Handle

	// in-flight dials, per muxKey
	dials singleflight.Group
	// serializes changes to handles that involve a real listener
	listenMu sync.Mutex

	delegate ErrorDelegate
}

type virtualWait struct {
	addr      types.Addr
	handler   Handler
	listeners map[*Multiplexer]*Listener
}

// Handle is what WaitForConn and VirtualWaitForConn return, to be passed to StopComm or VirtualStopComm.
type Handle struct {
	key  string
	addr types.Addr

	// nil for virtual handles
	real transport.Listener
	wait *virtualWait
}

func (h *Handle) Addr() types.Addr {
	return h.addr
}

func NewRegistry(tr transport.Transport, cfg Config) *Registry {
	return &Registry{
		transport: tr,
		cfg:       cfg,
		muxes:     make(map[string]*Multiplexer),
		waits:     make(map[types.Addr]*virtualWait),
		handles:   make(map[string]*Handle),
		delegate:  DefaultErrorDelegate,
	}
}

func muxKey(a types.Addr) string {
	return "IP:" + a.String()
}

func listenKey(a types.Addr) string {
	return "LISTEN:" + a.String()
}

// SetErrorDelegate replaces the delegate that is told about failing multiplexers.
func (r *Registry) SetErrorDelegate(d ErrorDelegate) {
	if d == nil {
		d = DefaultErrorDelegate
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.delegate = d
}

func (r *Registry) ErrorDelegate() ErrorDelegate {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.delegate
}

func (r *Registry) callDelegate(m *Multiplexer, location string, err error) {
	r.ErrorDelegate()(m, location, err)
}

// Adopt wraps an already established real connection in a multiplexer, and registers it.
func (r *Registry) Adopt(conn net.Conn, cfg Config) *Multiplexer {
	cfg.ErrorDelegate = r.callDelegate

	m := newMultiplexer(conn, cfg)
	r.register(m)
	m.start()

	return m
}

// register indexes m, and puts every virtual wait on it, before m is started.
func (r *Registry) register(m *Multiplexer) {
	key := muxKey(m.Remote())

	r.mu.Lock()
	r.muxes[key] = m
	waits := maps.Values(r.waits)
	r.mu.Unlock()

	m.OnClose(func(m *Multiplexer) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.muxes[key] == m {
			delete(r.muxes, key)
		}
		for _, w := range r.waits {
			delete(w.listeners, m)
		}
	})

	for _, w := range waits {
		r.attach(w, m)
	}
}

// attach puts the listener of w on m.
func (r *Registry) attach(w *virtualWait, m *Multiplexer) {
	l, err := m.WaitForConn(w.addr.Port, w.handler)
	if err != nil {
		slog.Debug("could not attach virtual listener", "addr", w.addr.String(), "mux", m.Remote().String(), "err", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.waits[w.addr] != w {
		// stopped in the meantime
		_ = l.Close()
		return
	}
	w.listeners[m] = l
}

// Get returns the multiplexer to a real endpoint, if there is one.
func (r *Registry) Get(dest types.Addr) *Multiplexer {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.muxes[muxKey(dest)]
	if m == nil || m.State() != StateActive {
		return nil
	}
	return m
}

// Dial returns the multiplexer to dest, opening a real connection from local if there is none.
//
// Concurrent dials to the same endpoint share one real connection.
func (r *Registry) Dial(ctx context.Context, dest, local types.Addr) (*Multiplexer, error) {
	v, err, _ := r.dials.Do(muxKey(dest), func() (any, error) {
		if m := r.Get(dest); m != nil {
			return m, nil
		}

		var timeout time.Duration
		if dl, ok := ctx.Deadline(); ok {
			timeout = time.Until(dl)
		}

		conn, err := r.transport.Open(ctx, dest, local, timeout)
		if err != nil {
			return nil, fmt.Errorf("could not connect to %s: %w", dest, err)
		}

		cfg := r.cfg
		cfg.Initiator = true
		cfg.ErrorDelegate = r.callDelegate

		m := newMultiplexer(conn, cfg)
		r.register(m)
		m.start()

		return m, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Multiplexer), nil
}

// OpenConn opens a virtual connection to virtualPort on the real endpoint dest, reusing the multiplexer to dest
// if there is one.
func (r *Registry) OpenConn(ctx context.Context, dest types.Addr, virtualPort uint16, local types.Addr) (*Conn, error) {
	m, err := r.Dial(ctx, dest, local)
	if err != nil {
		return nil, err
	}

	return m.OpenConn(ctx, virtualPort, types.Addr{})
}

// VirtualOpenConn is OpenConn without opening a real connection, it fails with ErrNoMultiplexer if there is none.
func (r *Registry) VirtualOpenConn(ctx context.Context, dest types.Addr, virtualPort uint16, local types.Addr) (*Conn, error) {
	m := r.Get(dest)
	if m == nil {
		return nil, fmt.Errorf("%s: %w", dest, ErrNoMultiplexer)
	}

	return m.OpenConn(ctx, virtualPort, local)
}

// WaitForConn listens for real connections on local, and for virtual connections to local's port on every
// multiplexer.
//
// Waiting again on the same address replaces the handler of the earlier wait, whose handle becomes invalid.
// The real listener stays bound across the replacement.
func (r *Registry) WaitForConn(ctx context.Context, local types.Addr, handler Handler) (*Handle, error) {
	key := listenKey(local)

	r.listenMu.Lock()
	defer r.listenMu.Unlock()

	r.mu.Lock()
	old := r.handles[key]
	r.mu.Unlock()

	var ln transport.Listener
	if old != nil {
		ln = old.real
	} else {
		var err error
		ln, err = r.transport.Listen(ctx, local, func(conn net.Conn) {
			r.Adopt(conn, r.cfg)
		})
		if err != nil {
			return nil, fmt.Errorf("could not listen on %s: %w", local, err)
		}
	}

	h := &Handle{key: key, addr: local, real: ln}
	h.wait = r.virtualWait(local, handler)

	r.mu.Lock()
	r.handles[key] = h
	r.mu.Unlock()

	return h, nil
}

// VirtualWaitForConn listens for virtual connections to local's port on every multiplexer, present and future.
func (r *Registry) VirtualWaitForConn(local types.Addr, handler Handler) *Handle {
	h := &Handle{key: local.String(), addr: local}
	h.wait = r.virtualWait(local, handler)
	return h
}

func (r *Registry) virtualWait(local types.Addr, handler Handler) *virtualWait {
	w := &virtualWait{
		addr:      local,
		handler:   handler,
		listeners: make(map[*Multiplexer]*Listener),
	}

	r.mu.Lock()
	old := r.waits[local]
	r.waits[local] = w
	muxes := maps.Values(r.muxes)
	r.mu.Unlock()

	if old != nil {
		// the new listeners replace the old ones on every multiplexer
		slog.Debug("replacing virtual wait", "addr", local.String())
	}

	for _, m := range muxes {
		r.attach(w, m)
	}

	return w
}

// StopComm stops the real and virtual listening of a handle from WaitForConn.
func (r *Registry) StopComm(h *Handle) error {
	if h.real == nil {
		return r.VirtualStopComm(h)
	}

	r.listenMu.Lock()
	defer r.listenMu.Unlock()

	r.mu.Lock()
	if r.handles[h.key] != h {
		r.mu.Unlock()
		return ErrInvalidHandle
	}
	delete(r.handles, h.key)
	r.mu.Unlock()

	err := h.real.Close()

	if verr := r.VirtualStopComm(h); verr != nil && !errors.Is(verr, ErrInvalidHandle) {
		err = errors.Join(err, verr)
	}

	return err
}

// VirtualStopComm stops the virtual listening of a handle, on every multiplexer.
func (r *Registry) VirtualStopComm(h *Handle) error {
	r.mu.Lock()
	w := r.waits[h.addr]
	if w == nil || w != h.wait {
		r.mu.Unlock()
		return ErrInvalidHandle
	}
	delete(r.waits, h.addr)
	ls := maps.Values(w.listeners)
	clear(w.listeners)
	r.mu.Unlock()

	for _, l := range ls {
		// a listener that was replaced belongs to someone else now
		_ = l.Close()
	}

	return nil
}

// StopAll closes every multiplexer and listener, and forgets every virtual wait.
func (r *Registry) StopAll() {
	r.listenMu.Lock()
	defer r.listenMu.Unlock()

	r.mu.Lock()
	muxes := maps.Values(r.muxes)
	handles := maps.Values(r.handles)
	var ls []*Listener
	for _, w := range r.waits {
		ls = append(ls, maps.Values(w.listeners)...)
		clear(w.listeners)
	}
	clear(r.muxes)
	clear(r.handles)
	clear(r.waits)
	r.mu.Unlock()

	for _, h := range handles {
		if err := h.real.Close(); err != nil {
			slog.Debug("error when closing listener", "addr", h.addr.String(), "err", err)
		}
	}
	for _, l := range ls {
		_ = l.Close()
	}
	for _, m := range muxes {
		m.Close()
	}
}

// Counts returns the amount of multiplexers, virtual waits, and real listeners.
func (r *Registry) Counts() (muxes, waits, handles int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.muxes), len(r.waits), len(r.handles)
}

// Multiplexers returns a snapshot of every registered multiplexer.
func (r *Registry) Multiplexers() []*Multiplexer {
	r.mu.Lock()
	defer r.mu.Unlock()

	return maps.Values(r.muxes)
}

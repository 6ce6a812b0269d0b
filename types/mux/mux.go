// Package mux runs many virtual connections over a single real connection.
package mux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/frame"
)

type State int32

const (
	StateActive State = iota
	// no new virtual connections are admitted, existing ones live on
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Multiplexer owns one real connection, and the virtual connections and listeners that run over it.
type Multiplexer struct {
	ctx context.Context
	// context cancel cause
	ccc context.CancelCauseFunc

	cfg Config

	netConn net.Conn

	local, remote types.Addr

	// Not thread-safe; owned by RunReceiver
	fr *frame.Reader
	// Not thread-safe; owned by RunSender
	fw *frame.Writer

	// send queue, unbounded so that the receiver never blocks on it
	qMu      sync.Mutex
	queue    []frame.Frame
	qWake    chan struct{}
	qClosed  bool
	draining bool

	mu        sync.Mutex
	state     State
	conns     map[uint64]*Conn
	listeners map[uint16]*Listener
	pending   map[uint64]*pendingOpen
	// opens that timed out before their status arrived
	abandoned map[uint64]struct{}
	nextID    uint64
	onClose   []func(*Multiplexer)

	closeOnce sync.Once
}

type pendingOpen struct {
	port  uint16
	local types.Addr
	ch    chan *Conn
}

// New wraps conn in a Multiplexer, and starts its goroutines.
func New(conn net.Conn, cfg Config) *Multiplexer {
	m := newMultiplexer(conn, cfg)
	m.start()
	return m
}

// newMultiplexer sets up a Multiplexer that does not read or write yet,
// so that listeners can be put in place before the first frame arrives.
func newMultiplexer(conn net.Conn, cfg Config) *Multiplexer {
	cfg.SetDefaults()

	ctx, ccc := context.WithCancelCause(context.Background())

	br := cfg.Reader
	if br == nil {
		br = bufio.NewReader(conn)
	}

	m := &Multiplexer{
		ctx:       ctx,
		ccc:       ccc,
		cfg:       cfg,
		netConn:   conn,
		local:     types.AddrFrom(conn.LocalAddr()),
		remote:    types.AddrFrom(conn.RemoteAddr()),
		fr:        frame.NewReader(br),
		fw:        frame.NewWriter(bufio.NewWriter(conn)),
		qWake:     make(chan struct{}, 1),
		conns:     make(map[uint64]*Conn),
		listeners: make(map[uint16]*Listener),
		pending:   make(map[uint64]*pendingOpen),
		abandoned: make(map[uint64]struct{}),
	}

	if !cfg.Initiator {
		m.nextID = 1
	}

	return m
}

func (m *Multiplexer) start() {
	go m.RunReceiver()
	go m.RunSender()

	m.L().Debug("multiplexer started", "initiator", m.cfg.Initiator)
}

func (m *Multiplexer) L() *slog.Logger {
	return slog.With("mux", m.remote.String())
}

func (m *Multiplexer) Local() types.Addr {
	return m.local
}

func (m *Multiplexer) Remote() types.Addr {
	return m.remote
}

func (m *Multiplexer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Alive reports whether the real connection is still up.
func (m *Multiplexer) Alive() bool {
	return !types.IsContextDone(m.ctx)
}

// Done is closed once the multiplexer has died.
func (m *Multiplexer) Done() <-chan struct{} {
	return m.ctx.Done()
}

// Err returns why the multiplexer died, or nil.
func (m *Multiplexer) Err() error {
	if !types.IsContextDone(m.ctx) {
		return nil
	}
	return context.Cause(m.ctx)
}

func (m *Multiplexer) NumConns() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.conns)
}

// Ports returns the ports that currently have a listener.
func (m *Multiplexer) Ports() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return maps.Keys(m.listeners)
}

// OnClose registers fn to be called after the multiplexer died, fn is called right away if it already has.
func (m *Multiplexer) OnClose(fn func(*Multiplexer)) {
	m.mu.Lock()
	if m.state != StateClosed {
		m.onClose = append(m.onClose, fn)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	fn(m)
}

// WaitForConn makes handler receive every virtual connection to port.
//
// A listener that was already on port is replaced, its handle becomes invalid.
func (m *Multiplexer) WaitForConn(port uint16, handler Handler) (*Listener, error) {
	return m.listen(port, handler)
}

// Listen is WaitForConn for use with Listener.Accept.
func (m *Multiplexer) Listen(port uint16) (*Listener, error) {
	return m.listen(port, nil)
}

func (m *Multiplexer) listen(port uint16, handler Handler) (*Listener, error) {
	m.mu.Lock()

	if m.state != StateActive {
		m.mu.Unlock()
		return nil, fmt.Errorf("listen on %d: multiplexer is %s: %w", port, m.state, ErrSocketClosed)
	}

	l := newListener(m, port, handler)
	old := m.listeners[port]
	m.listeners[port] = l

	m.mu.Unlock()

	if old != nil {
		old.stop()
		m.L().Debug("replaced listener", "port", port)
	}

	return l, nil
}

// removeListener stops l if it is still the listener of its port.
func (m *Multiplexer) removeListener(l *Listener) bool {
	m.mu.Lock()
	if m.listeners[l.port] != l {
		m.mu.Unlock()
		return false
	}
	delete(m.listeners, l.port)
	m.mu.Unlock()

	return l.stop()
}

// OpenConn opens a virtual connection to port on the other side.
//
// It fails with ErrConnRefused when nothing listens there, and with ErrTimeout when the other side does not
// answer before ctx is done or the configured open timeout passes.
func (m *Multiplexer) OpenConn(ctx context.Context, port uint16, local types.Addr) (*Conn, error) {
	m.mu.Lock()

	if m.state != StateActive {
		m.mu.Unlock()
		return nil, ErrConnRefused
	}

	id := m.nextID
	m.nextID += 2

	p := &pendingOpen{port: port, local: local, ch: make(chan *Conn, 1)}
	m.pending[id] = p

	m.mu.Unlock()

	hs := handshake{Port: port, Host: local.Host, From: local.Port, Window: m.cfg.Window}
	if hs.Host == "" {
		hs.Host = m.local.Host
	}

	if err := m.send(frame.InitClient(id, hs.marshal())); err != nil {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.OpenTimeout)
		defer cancel()
	}

	select {
	case c := <-p.ch:
		if c == nil {
			return nil, m.refusal()
		}
		return c, nil
	case <-m.ctx.Done():
		return nil, socketClosed(context.Cause(m.ctx))
	case <-ctx.Done():
	}

	m.mu.Lock()
	if _, ok := m.pending[id]; ok {
		delete(m.pending, id)
		m.abandoned[id] = struct{}{}
		m.mu.Unlock()

		return nil, ErrTimeout
	}
	m.mu.Unlock()

	// the status raced the timeout
	if c := <-p.ch; c != nil {
		return c, nil
	}
	return nil, m.refusal()
}

// refusal tells apart a refused open from one that died with the multiplexer.
func (m *Multiplexer) refusal() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return socketClosed(context.Cause(m.ctx))
	}
	return ErrConnRefused
}

// StopComm stops all listeners and refuses new virtual connections.
//
// Existing connections keep working and report Closing. The real connection is closed once the last virtual
// connection closes.
func (m *Multiplexer) StopComm() {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	m.state = StateClosing
	ls := maps.Values(m.listeners)
	clear(m.listeners)
	conns := maps.Values(m.conns)
	n := len(conns)
	m.mu.Unlock()

	for _, l := range ls {
		l.stop()
	}
	for _, c := range conns {
		c.stopComm()
	}

	m.L().Debug("stopping communication", "conns", n)

	if n == 0 {
		m.drain()
	}
}

// Close tears the multiplexer down right away, all virtual connections fail.
func (m *Multiplexer) Close() error {
	m.teardown(ErrMuxClosed, "", false)
	return nil
}

// drain closes the real connection once everything queued has been written.
func (m *Multiplexer) drain() {
	m.qMu.Lock()
	m.draining = true
	m.qMu.Unlock()

	m.wakeSender()
}

func (m *Multiplexer) removeConn(c *Conn) {
	m.mu.Lock()
	if m.conns[c.id] != c {
		m.mu.Unlock()
		return
	}
	delete(m.conns, c.id)
	idle := m.state == StateClosing && len(m.conns) == 0
	m.mu.Unlock()

	if idle {
		m.drain()
	}
}

// send queues f for the sender, it never blocks.
func (m *Multiplexer) send(f frame.Frame) error {
	m.qMu.Lock()
	if m.qClosed {
		m.qMu.Unlock()
		return socketClosed(context.Cause(m.ctx))
	}
	m.queue = append(m.queue, f)
	m.qMu.Unlock()

	m.wakeSender()
	return nil
}

func (m *Multiplexer) wakeSender() {
	select {
	case m.qWake <- struct{}{}:
	default:
	}
}

func (m *Multiplexer) RunSender() {
	defer func() {
		if v := recover(); v != nil {
			m.fail("sender", fmt.Errorf("sender panicked: %s", v))
		}
	}()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.qWake:
		}

		for {
			m.qMu.Lock()
			batch := m.queue
			m.queue = nil
			draining := m.draining
			m.qMu.Unlock()

			if len(batch) == 0 {
				// Flush everything we wrote when there is nothing more to write.
				if err := m.fw.Flush(); err != nil {
					m.fail("sender", err)
					return
				}
				if draining {
					m.teardown(ErrMuxClosed, "", false)
					return
				}
				break
			}

			m.setWriteDeadline()

			for _, f := range batch {
				if err := m.fw.WriteFrame(f); err != nil {
					m.fail("sender", err)
					return
				}
				slog.Log(m.ctx, types.LevelTrace, "sent frame", "mux", m.remote.String(), "frame", f.String())
			}
		}
	}
}

func (m *Multiplexer) setWriteDeadline() {
	if m.cfg.WriteTimeout > 0 {
		_ = m.netConn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	}
}

func (m *Multiplexer) RunReceiver() {
	defer func() {
		if v := recover(); v != nil {
			m.fail("receiver", fmt.Errorf("receiver panicked: %s", v))
		}
	}()

	for {
		f, err := m.fr.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("read EOF: %w", err)
			}
			m.fail("receiver", err)
			return
		}

		if types.IsContextDone(m.ctx) {
			return
		}

		slog.Log(m.ctx, types.LevelTrace, "received frame", "mux", m.remote.String(), "frame", f.String())

		switch f.Type {
		case frame.TypeData:
			err = m.handleData(f)
		case frame.TypeCredit:
			err = m.handleCredit(f)
		case frame.TypeTerm:
			m.handleTerm(f)
		case frame.TypeInitClient:
			err = m.handleInitClient(f)
		case frame.TypeInitStatus:
			err = m.handleInitStatus(f)
		}

		if err != nil {
			m.fail("receiver", err)
			return
		}
	}
}

func (m *Multiplexer) getConn(id uint64) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.conns[id]
}

func (m *Multiplexer) handleData(f frame.Frame) error {
	c := m.getConn(f.ConnID)
	if c == nil {
		// Closed on our side while this was in flight
		return nil
	}

	if err := c.deliver(f.Payload); err != nil {
		// Only this connection is broken, the stream itself is fine.
		m.L().Warn("closing virtual connection", "conn", f.ConnID, "err", err)
		c.fail(err)
		_ = m.send(frame.Term(f.ConnID))
		m.removeConn(c)
	}

	return nil
}

func (m *Multiplexer) handleCredit(f frame.Frame) error {
	n, err := f.Credit()
	if err != nil {
		return err
	}

	if c := m.getConn(f.ConnID); c != nil {
		c.grant(n)
	}

	return nil
}

func (m *Multiplexer) handleTerm(f frame.Frame) {
	m.mu.Lock()
	c := m.conns[f.ConnID]
	m.mu.Unlock()

	if c == nil {
		return
	}

	c.peerClosed()
	m.removeConn(c)
}

func (m *Multiplexer) handleInitClient(f frame.Frame) error {
	hs, err := parseHandshake(f.Payload)
	if err != nil {
		return &frame.FramingError{Reason: fmt.Sprintf("bad handshake: %s", err)}
	}

	m.mu.Lock()

	l := m.listeners[hs.Port]

	if m.state != StateActive || l == nil {
		m.mu.Unlock()
		m.L().Debug("refusing virtual connection", "port", hs.Port, "state", m.state)
		return m.send(frame.InitStatus(f.ConnID, false))
	}

	if _, ok := m.conns[f.ConnID]; ok || f.ConnID%2 == m.nextID%2 {
		m.mu.Unlock()
		return &frame.FramingError{Reason: fmt.Sprintf("peer opened connection with invalid id %d", f.ConnID)}
	}

	remote := types.Addr{Host: hs.Host, Port: hs.From}
	if remote.Host == "" {
		remote.Host = m.remote.Host
	}

	c := newConn(m, f.ConnID, types.Addr{Host: m.local.Host, Port: hs.Port}, remote)
	c.win.grant(hs.Window)
	m.conns[f.ConnID] = c

	m.mu.Unlock()

	// The status and our window go out before any data this side writes.
	if err := m.send(frame.InitStatus(f.ConnID, true)); err != nil {
		return err
	}
	if err := m.send(frame.Credit(f.ConnID, m.cfg.Window)); err != nil {
		return err
	}

	if !l.handoff(c) {
		// stopped in between
		c.Close()
	}

	return nil
}

func (m *Multiplexer) handleInitStatus(f frame.Frame) error {
	m.mu.Lock()

	p, ok := m.pending[f.ConnID]
	if !ok {
		_, late := m.abandoned[f.ConnID]
		delete(m.abandoned, f.ConnID)
		m.mu.Unlock()

		if late && f.Confirmed() {
			// Nobody waits for this connection anymore
			return m.send(frame.Term(f.ConnID))
		}
		return nil
	}
	delete(m.pending, f.ConnID)

	if !f.Confirmed() {
		m.mu.Unlock()
		p.ch <- nil
		return nil
	}

	local := p.local
	if local.Host == "" {
		local.Host = m.local.Host
	}

	c := newConn(m, f.ConnID, local, types.Addr{Host: m.remote.Host, Port: p.port})
	m.conns[f.ConnID] = c

	m.mu.Unlock()

	p.ch <- c

	return nil
}

// fail kills the multiplexer with an error, and tells the error delegate.
//
// Errors that follow an earlier teardown are dropped.
func (m *Multiplexer) fail(location string, err error) {
	m.teardown(err, location, true)
}

func (m *Multiplexer) teardown(cause error, location string, delegate bool) {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.state = StateClosed
		conns := maps.Values(m.conns)
		clear(m.conns)
		ls := maps.Values(m.listeners)
		clear(m.listeners)
		pending := maps.Values(m.pending)
		clear(m.pending)
		clear(m.abandoned)
		hooks := m.onClose
		m.onClose = nil
		m.mu.Unlock()

		m.qMu.Lock()
		m.qClosed = true
		m.queue = nil
		m.qMu.Unlock()

		m.ccc(cause)

		if err := m.netConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			m.L().Debug("error when closing real connection", "err", err)
		}

		for _, c := range conns {
			c.fail(cause)
		}
		for _, p := range pending {
			p.ch <- nil
		}
		for _, l := range ls {
			l.stop()
		}

		if delegate {
			if d := m.cfg.ErrorDelegate; d != nil {
				d(m, location, cause)
			} else {
				DefaultErrorDelegate(m, location, cause)
			}
		} else {
			m.L().Debug("multiplexer closed", "cause", cause)
		}

		for _, fn := range hooks {
			fn(m)
		}
	})
}

// DefaultErrorDelegate logs the error.
func DefaultErrorDelegate(m *Multiplexer, location string, err error) {
	m.L().Warn("multiplexer failed", "location", location, "err", err)
}

// Package forwarder implements the relay that servers behind NAT register at, and that clients reach them through.
package forwarder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/mux"
	"github.com/edup2p/natlayer/types/rpc"
	"github.com/edup2p/natlayer/types/transport"
)

var ErrServerClosed = errors.New("forwarder closed")

type Server struct {
	cfg Config

	ctx context.Context
	ccc context.CancelCauseFunc

	// legs, and the control listener on every one of them
	reg   *mux.Registry
	table *Table

	// nil when client_init is not rate limited
	rlStore limiter.Store
}

func NewServer(cfg Config) (*Server, error) {
	cfg.SetDefaults()

	ctx, ccc := context.WithCancelCause(context.Background())

	s := &Server{
		cfg:   cfg,
		ctx:   ctx,
		ccc:   ccc,
		table: NewTable(cfg.MaxServers, cfg.MaxClientsPerServer),
	}

	if cfg.ClientInitRate > 0 {
		store, err := memorystore.New(&memorystore.Config{
			Tokens:   cfg.ClientInitRate,
			Interval: cfg.ClientInitInterval,

			SweepInterval: 1 * time.Minute,
			SweepMinTTL:   1 * time.Minute,
		})
		if err != nil {
			ccc(err)
			return nil, fmt.Errorf("could not create rate limiter: %w", err)
		}
		s.rlStore = store
	}

	// the forwarder only accepts legs, it never dials
	s.reg = mux.NewRegistry(nil, cfg.Mux)
	s.reg.SetErrorDelegate(s.legFailed)
	s.reg.VirtualWaitForConn(types.Addr{Port: rpc.VirtualPort}, s.serveRPC)

	go s.runSweep()

	return s, nil
}

func (s *Server) L() *slog.Logger {
	return slog.With("forwarder", true)
}

// Logger is for dial.UpgradeHandler.
func (s *Server) Logger() *slog.Logger {
	return s.L()
}

// Serve accepts legs on local until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context, tr transport.Transport, local types.Addr) error {
	ln, err := tr.Listen(ctx, local, func(conn net.Conn) {
		s.adopt(conn, nil)
	})
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", local, err)
	}

	s.L().Info("accepting legs", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}

	if err := ln.Close(); err != nil {
		s.L().Debug("error when closing listener", "addr", local.String(), "err", err)
	}

	return nil
}

// Accept runs a leg over an upgraded HTTP connection, until it dies.
func (s *Server) Accept(ctx context.Context, mc net.Conn, brw *bufio.ReadWriter, remoteAddrPort netip.AddrPort) error {
	m := s.adopt(mc, brw.Reader)

	s.L().Debug("accepted upgraded leg", "remote", remoteAddrPort.String())

	select {
	case <-m.Done():
		return m.Err()
	case <-ctx.Done():
		_ = m.Close()
		return context.Cause(ctx)
	case <-s.ctx.Done():
		_ = m.Close()
		return ErrServerClosed
	}
}

func (s *Server) adopt(conn net.Conn, br *bufio.Reader) *mux.Multiplexer {
	cfg := s.cfg.Mux
	cfg.Initiator = false
	cfg.Reader = br

	m := s.reg.Adopt(conn, cfg)

	s.L().Debug("new leg", "remote", m.Remote().String())

	go s.watchLeg(m)

	return m
}

// watchLeg drops the registrations of a leg as soon as it dies.
func (s *Server) watchLeg(m *mux.Multiplexer) {
	<-m.Done()

	if keys := s.table.DropLeg(m); len(keys) > 0 {
		s.L().Info("leg lost, dropped its registrations", "remote", m.Remote().String(), "count", len(keys), "cause", m.Err())
	}
}

func (s *Server) legFailed(m *mux.Multiplexer, location string, err error) {
	s.L().Warn("leg failed", "remote", m.Remote().String(), "location", location, "err", err)
}

// runSweep evicts registrations with a dead leg, every CheckInterval.
func (s *Server) runSweep() {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.table.Sweep(); n > 0 {
				s.L().Info("evicted dead registrations", "count", n)
			}
		}
	}
}

// Registrations returns a snapshot of every registration.
func (s *Server) Registrations() []Info {
	return s.table.Registrations()
}

// Legs returns the amount of connected legs.
func (s *Server) Legs() int {
	n, _, _ := s.reg.Counts()
	return n
}

// Close disconnects every leg, which fails every relayed connection.
func (s *Server) Close() error {
	if types.IsContextDone(s.ctx) {
		return ErrServerClosed
	}

	s.ccc(ErrServerClosed)

	s.reg.StopAll()
	s.table.Sweep()

	if s.rlStore != nil {
		return s.rlStore.Close(context.Background())
	}
	return nil
}

func (s *Server) allowServer(leg *mux.Multiplexer) bool {
	if s.cfg.Allow == nil {
		return true
	}

	ap, ok := leg.Remote().AddrPort()
	return ok && s.cfg.Allow.Contains(ap.Addr())
}

func (s *Server) allowClient(leg *mux.Multiplexer) bool {
	if s.rlStore == nil {
		return true
	}

	_, _, _, ok, err := s.rlStore.Take(s.ctx, leg.Remote().Host)
	if err != nil {
		s.L().Debug("rate limiter failed", "err", err)
		return false
	}
	return ok
}

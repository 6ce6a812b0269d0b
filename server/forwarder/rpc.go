package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/edup2p/natlayer/types/mux"
	"github.com/edup2p/natlayer/types/rpc"
)

// serveRPC answers the requests of one control connection, it is the handler of rpc.VirtualPort on every leg.
func (s *Server) serveRPC(c *mux.Conn) {
	leg := c.Multiplexer()
	rc := rpc.NewConn(c, s.cfg.Codec)

	for {
		in, err := rc.ReadRequest()
		if err != nil {
			if in != nil {
				_ = rc.WriteReply(in.ID, false, err.Error(), false)
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, mux.ErrSocketClosed) {
				s.L().Debug("could not read request", "leg", leg.Remote().String(), "err", err)
			}
			_ = c.Close()
			return
		}

		if ci, ok := in.Request.(rpc.ClientInit); ok {
			// the connection becomes the client's end of the relay
			s.clientInit(c, rc, in.ID, ci)
			return
		}

		ok, value := s.handle(leg, in.Request)

		if err := rc.WriteReply(in.ID, ok, value, in.Additional); err != nil {
			s.L().Debug("could not write reply", "leg", leg.Remote().String(), "err", err)
			_ = c.Close()
			return
		}

		if !in.Additional {
			_ = c.Close()
			return
		}
	}
}

// handle serves every request but client_init, a refusal carries the error message as its value.
func (s *Server) handle(leg *mux.Multiplexer, req rpc.Request) (bool, any) {
	var err error

	switch r := req.(type) {
	case rpc.ExternalAddr:
		remote := leg.Remote()
		return true, rpc.AddrResult{IP: remote.Host, Port: remote.Port}
	case rpc.RegisterServer:
		err = s.register(leg, r)
	case rpc.DeregisterServer:
		if r.Key.Valid {
			err = s.table.Deregister(r.Key.Val, leg)
		} else {
			keys := s.table.DropLeg(leg)
			s.L().Debug("deregistered every server of leg", "leg", leg.Remote().String(), "count", len(keys))
		}
	case rpc.RegisterPort:
		err = s.table.AddPort(r.Server, leg, r.Port)
	case rpc.DeregisterPort:
		err = s.table.RemovePort(r.Server, leg, r.Port)
	default:
		err = fmt.Errorf("%w: %s", rpc.ErrUnknownOp, req.Op())
	}

	if err != nil {
		s.L().Debug("refused request", "op", req.Op(), "leg", leg.Remote().String(), "err", err)
		return false, err.Error()
	}

	s.L().Debug("handled request", "op", req.Op(), "leg", leg.Remote().String())

	return true, nil
}

func (s *Server) register(leg *mux.Multiplexer, r rpc.RegisterServer) error {
	if !s.allowServer(leg) {
		return admission(ErrForbidden, r.Key, 0)
	}

	if err := s.table.Register(r.Key, leg); err != nil {
		return err
	}

	s.L().Info("registered server", "key", r.Key.Debug(), "leg", leg.Remote().String())

	if r.Port.Valid {
		return s.table.AddPort(r.Key, leg, r.Port.Val)
	}
	return nil
}

// clientInit connects c to the requested server, and relays between them until either side closes.
//
// The value of the reply is an rpc.Result. c is closed when clientInit returns.
func (s *Server) clientInit(c *mux.Conn, rc *rpc.Conn, id uint64, req rpc.ClientInit) {
	leg := c.Multiplexer()

	refuse := func(err error) {
		s.L().Debug("refused client", "client", req.Client.Debug(), "server", req.Server.Debug(), "port", req.Port, "err", err)
		_ = rc.WriteReply(id, false, resultFor(err), false)
		_ = c.Close()
	}

	if !s.allowClient(leg) {
		refuse(admission(ErrRateLimited, req.Server, req.Port))
		return
	}

	r, release, err := s.table.Reserve(req.Server, req.Port)
	if err != nil {
		refuse(err)
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OpenTimeout)
	sc, err := r.leg.OpenConn(ctx, req.Port, leg.Remote())
	cancel()
	if err != nil {
		refuse(fmt.Errorf("could not reach server: %w", err))
		return
	}

	rl := &relay{client: c, server: sc}
	if !s.table.bind(r, rl) {
		_ = sc.Close()
		refuse(admission(ErrNoServer, req.Server, req.Port))
		return
	}
	defer s.table.unbind(r, rl)

	if err := rc.WriteReply(id, true, rpc.ResultConfirmed, false); err != nil {
		s.L().Debug("client left before confirmation", "client", req.Client.Debug(), "err", err)
		rl.close()
		return
	}

	s.L().Debug("relaying client", "client", req.Client.Debug(), "server", req.Server.Debug(), "port", req.Port)

	rl.run()
}

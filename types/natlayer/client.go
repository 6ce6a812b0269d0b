package natlayer

import (
	"context"
	"errors"
	"fmt"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/advertise"
	"github.com/edup2p/natlayer/types/key"
	"github.com/edup2p/natlayer/types/mux"
	"github.com/edup2p/natlayer/types/rpc"
)

type DialOptions struct {
	// Forwarder the server is registered at, looked up through the advertiser if zero.
	Forwarder types.Addr
}

// Dial connects to port of server k, through the forwarder it is registered at.
//
// Every forwarder the server is advertised at is tried in turn, the error of the last one is returned if none
// confirms.
func (l *Layer) Dial(ctx context.Context, k key.ServerKey, port uint16, opts DialOptions) (*mux.Conn, error) {
	if types.IsContextDone(l.ctx) {
		return nil, ErrLayerClosed
	}

	fwds, err := l.forwarders(ctx, opts.Forwarder, func(ctx context.Context, adv advertise.Advertiser) ([]types.Addr, error) {
		return advertise.ServerForwarders(ctx, adv, k)
	})
	if err != nil {
		if errors.Is(err, ErrNoForwarder) {
			return nil, fmt.Errorf("%w: not advertised at any forwarder", ErrNoServer)
		}
		return nil, err
	}

	var last error
	for _, fwd := range fwds {
		c, err := l.dialVia(ctx, fwd, k, port)
		if err == nil {
			return c, nil
		}

		l.L().Debug("could not connect through forwarder", "forwarder", fwd.String(), "server", k.Debug(), "port", port, "err", err)
		last = err
	}

	return nil, last
}

func (l *Layer) dialVia(ctx context.Context, fwd types.Addr, k key.ServerKey, port uint16) (*mux.Conn, error) {
	m, _, err := l.leg(ctx, []types.Addr{fwd})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.RPCTimeout)
	defer cancel()

	c, err := m.OpenConn(ctx, rpc.VirtualPort, types.Addr{})
	if err != nil {
		return nil, fmt.Errorf("could not open control connection: %w", err)
	}

	req := rpc.ClientInit{Server: k, Port: port, Client: l.cfg.Client}

	r, err := rpc.NewConn(c, l.cfg.Codec).Call(ctx, req, false)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if !r.OK() {
		_ = c.Close()
		return nil, replyError(req.Op(), r)
	}

	// from here on the control connection carries the relayed stream
	return c, nil
}

// ExternalAddr returns the address fwd sees this host at.
func (l *Layer) ExternalAddr(ctx context.Context, fwd types.Addr) (types.Addr, error) {
	ext, _, err := l.externalAddr(ctx, fwd)
	return ext, err
}

// BehindNAT reports whether the address fwd sees differs from the local address of the leg to it.
func (l *Layer) BehindNAT(ctx context.Context, fwd types.Addr) (bool, error) {
	ext, local, err := l.externalAddr(ctx, fwd)
	if err != nil {
		return false, err
	}

	return ext.Host != local.Host, nil
}

func (l *Layer) externalAddr(ctx context.Context, fwd types.Addr) (ext, local types.Addr, err error) {
	if types.IsContextDone(l.ctx) {
		return ext, local, ErrLayerClosed
	}

	fwds, err := l.forwarders(ctx, fwd, advertise.Forwarders)
	if err != nil {
		return ext, local, err
	}

	m, _, err := l.leg(ctx, fwds)
	if err != nil {
		return ext, local, err
	}

	r, err := l.call(ctx, m, rpc.ExternalAddr{})
	if err != nil {
		return ext, local, err
	}

	var res rpc.AddrResult
	if err := r.Decode(&res); err != nil {
		return ext, local, fmt.Errorf("could not decode external address: %w", err)
	}

	return types.Addr{Host: res.IP, Port: res.Port}, m.Local(), nil
}

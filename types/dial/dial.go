package dial

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"syscall"
	"time"
)

const (
	DefaultConnectTimeout   = 30 * time.Second
	DefaultEstablishTimeout = 15 * time.Second
	DefaultKeepAlive        = 10 * time.Second
)

// ErrAddrInUse is returned when a dial would duplicate an existing local/remote address pair.
var ErrAddrInUse = errors.New("address pair already in use")

type Opts struct {
	// Host is a domain name or an IP literal.
	Host string
	Port uint16

	// If valid, binds the local side of the connection to this address.
	//
	// Only one connection per 4-tuple can exist, a second dial with the same local and remote address
	// fails with ErrAddrInUse.
	LocalAddr netip.AddrPort

	TLS bool
	// Checked against the server certificate, defaults to Host.
	ServerName string

	// If zero, uses default of 30 seconds
	ConnectTimeout time.Duration
	// Bounds the HTTP upgrade, if zero uses default of 15 seconds
	EstablishTimeout time.Duration
	// TCP keepalive period, this is what eventually notices a dead peer.
	//
	// If zero, uses default of 10 seconds, negative disables keepalive.
	KeepAlive time.Duration
}

func (opts *Opts) SetDefaults() {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.EstablishTimeout == 0 {
		opts.EstablishTimeout = DefaultEstablishTimeout
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.ServerName == "" {
		opts.ServerName = opts.Host
	}
}

func (opts *Opts) remote() string {
	return net.JoinHostPort(opts.Host, strconv.Itoa(int(opts.Port)))
}

// TCP connects to Host, and wraps the connection in TLS if asked to.
func TCP(ctx context.Context, opts Opts) (net.Conn, error) {
	opts.SetDefaults()

	d := net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: opts.KeepAlive}
	if opts.LocalAddr.IsValid() {
		d.LocalAddr = net.TCPAddrFromAddrPort(opts.LocalAddr)
	}

	conn, err := d.DialContext(ctx, "tcp", opts.remote())
	switch {
	case errors.Is(err, syscall.EADDRINUSE), errors.Is(err, syscall.EADDRNOTAVAIL):
		return nil, fmt.Errorf("%w: %s -> %s: %w", ErrAddrInUse, opts.LocalAddr, opts.remote(), err)
	case err != nil:
		return nil, fmt.Errorf("dial %s: %w", opts.remote(), err)
	}

	if opts.TLS {
		return tls.Client(conn, &tls.Config{ServerName: opts.ServerName}), nil
	}
	return conn, nil
}

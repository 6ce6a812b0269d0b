package types

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Network is reported by Addr.Network, for both real and virtual endpoints.
const Network = "natlayer"

// Addr is a host/port pair, used both for real transport endpoints and for virtual ports
// inside a multiplexer.
type Addr struct {
	Host string
	Port uint16
}

var _ net.Addr = Addr{}

func (a Addr) Network() string {
	return Network
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

func (a Addr) IsZero() bool {
	return a == Addr{}
}

// AddrPort returns the netip form of this address, if the host is an IP literal.
func (a Addr) AddrPort() (netip.AddrPort, bool) {
	ip, err := netip.ParseAddr(a.Host)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(NormaliseAddr(ip), a.Port), true
}

// ParseAddr parses "host:port".
func ParseAddr(s string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return Addr{Host: host, Port: uint16(port)}, nil
}

// AddrFrom converts a net.Addr into an Addr, returning a zero Addr when it can not be parsed.
func AddrFrom(a net.Addr) Addr {
	if a == nil {
		return Addr{}
	}
	if ad, ok := a.(Addr); ok {
		return ad
	}
	if ap, err := netip.ParseAddrPort(a.String()); err == nil {
		ap = NormaliseAddrPort(ap)
		return Addr{Host: ap.Addr().String(), Port: ap.Port()}
	}
	ad, err := ParseAddr(a.String())
	if err != nil {
		return Addr{Host: a.String()}
	}
	return ad
}

func AddrFromAddrPort(ap netip.AddrPort) Addr {
	ap = NormaliseAddrPort(ap)
	return Addr{Host: ap.Addr().String(), Port: ap.Port()}
}

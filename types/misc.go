package types

// Contains miscellaneous functions and types

import (
	"context"
	"log/slog"
	"net/netip"
)

// IsContextDone does a quick check on a context to see if its dead.
func IsContextDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// LevelTrace is below debug, for frame level logging.
const LevelTrace slog.Level = -8

func NormaliseAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(NormaliseAddr(ap.Addr()), ap.Port())
}

func NormaliseAddr(addr netip.Addr) netip.Addr {
	if addr.Is4In6() {
		addr = netip.AddrFrom4(addr.As4())
	}

	return addr
}

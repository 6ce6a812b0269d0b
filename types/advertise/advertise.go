// Package advertise publishes and finds forwarders and the servers registered at them.
package advertise

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/key"
)

const (
	// ForwarderListKey is where every forwarder announces its address.
	ForwarderListKey = "__NAT__FORWARDER__"

	serverPrefix = "__NAT_SRV__"

	DefaultInterval = 30 * time.Second
	DefaultTTL      = 3 * DefaultInterval

	// MaxLookup bounds the amount of values a lookup returns.
	MaxLookup = 50
)

// Advertiser is a key to values directory, where values expire unless announced again.
type Advertiser interface {
	Announce(ctx context.Context, key, value string, ttl time.Duration) error
	Withdraw(ctx context.Context, key, value string) error
	Lookup(ctx context.Context, key string) ([]string, error)
}

// ServerKey is where the forwarder of a server is announced.
func ServerKey(k key.ServerKey) string {
	return serverPrefix + k.HexString()
}

// Forwarders returns the announced forwarders.
func Forwarders(ctx context.Context, adv Advertiser) ([]types.Addr, error) {
	return lookupAddrs(ctx, adv, ForwarderListKey)
}

// ServerForwarders returns the forwarders that server k announced itself at.
func ServerForwarders(ctx context.Context, adv Advertiser, k key.ServerKey) ([]types.Addr, error) {
	return lookupAddrs(ctx, adv, ServerKey(k))
}

func lookupAddrs(ctx context.Context, adv Advertiser, k string) ([]types.Addr, error) {
	values, err := adv.Lookup(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("could not look up %s: %w", k, err)
	}

	addrs := make([]types.Addr, 0, len(values))
	for _, v := range values {
		a, err := types.ParseAddr(v)
		if err != nil {
			slog.Debug("skipping malformed advertisement", "key", k, "value", v, "err", err)
			continue
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

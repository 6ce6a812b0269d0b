package forwarder

import (
	"time"

	"go4.org/netipx"

	"github.com/edup2p/natlayer/types/mux"
	"github.com/edup2p/natlayer/types/rpc"
)

const (
	DefaultMaxServers          = 32
	DefaultMaxClientsPerServer = 8
	DefaultCheckInterval       = 60 * time.Second
	DefaultOpenTimeout         = 10 * time.Second
)

type Config struct {
	// MaxServers bounds the amount of registrations the forwarder holds at once.
	MaxServers int

	// MaxClientsPerServer bounds the amount of relayed clients per registration.
	MaxClientsPerServer int

	// CheckInterval is how often registrations are checked for a dead leg.
	CheckInterval time.Duration

	// OpenTimeout bounds opening the server side of a relayed connection.
	OpenTimeout time.Duration

	// Allow limits which addresses may register servers, nil allows everyone.
	Allow *netipx.IPSet

	// ClientInitRate is the amount of client_init requests one IP may make per ClientInitInterval, 0 disables the limit.
	ClientInitRate     uint64
	ClientInitInterval time.Duration

	// Codec of the control connections, JSON if nil.
	Codec rpc.Codec

	Mux mux.Config
}

func (c *Config) SetDefaults() {
	if c.MaxServers == 0 {
		c.MaxServers = DefaultMaxServers
	}

	if c.MaxClientsPerServer == 0 {
		c.MaxClientsPerServer = DefaultMaxClientsPerServer
	}

	if c.CheckInterval == 0 {
		c.CheckInterval = DefaultCheckInterval
	}

	if c.OpenTimeout == 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}

	if c.ClientInitInterval == 0 {
		c.ClientInitInterval = time.Minute
	}

	if c.Codec == nil {
		c.Codec = rpc.JSON
	}
}

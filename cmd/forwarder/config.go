package main

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"go4.org/netipx"
	"gopkg.in/yaml.v3"

	"github.com/edup2p/natlayer/server/forwarder"
	"github.com/edup2p/natlayer/types/rpc"
)

// Config is the forwarder's config file.
type Config struct {
	// Listen is the address legs connect to over plain TCP.
	Listen string `yaml:"listen"`

	// HTTPListen, if set, also accepts legs as HTTP upgrades.
	HTTPListen string `yaml:"http_listen"`

	// Public is the address this forwarder is advertised at, defaults to Listen.
	Public string `yaml:"public"`

	MaxServers          int           `yaml:"max_servers"`
	MaxClientsPerServer int           `yaml:"max_clients_per_server"`
	CheckInterval       time.Duration `yaml:"check_interval"`

	// Allow holds the prefixes servers may register from, everything is allowed if empty.
	Allow []string `yaml:"allow"`

	ClientInitRate     uint64        `yaml:"client_init_rate"`
	ClientInitInterval time.Duration `yaml:"client_init_interval"`

	Codec string `yaml:"codec"`

	Etcd struct {
		Endpoints []string      `yaml:"endpoints"`
		Prefix    string        `yaml:"prefix"`
		Interval  time.Duration `yaml:"interval"`
	} `yaml:"etcd"`
}

func defaultConfig() *Config {
	return &Config{
		Listen: ":7000",
	}
}

func loadConfig(file string) (*Config, error) {
	c := defaultConfig()

	if file == "" {
		return c, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", file, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", file, err)
	}

	return c, nil
}

func (c *Config) allowSet() (*netipx.IPSet, error) {
	if len(c.Allow) == 0 {
		return nil, nil
	}

	var b netipx.IPSetBuilder
	for _, s := range c.Allow {
		if p, err := netip.ParsePrefix(s); err == nil {
			b.AddPrefix(p.Masked())
			continue
		}

		ip, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid allow entry %q: not a prefix or address", s)
		}
		b.Add(ip)
	}

	return b.IPSet()
}

// ServerConfig turns the file into the config of forwarder.Server.
func (c *Config) ServerConfig() (forwarder.Config, error) {
	codec, err := rpc.CodecByName(c.Codec)
	if err != nil {
		return forwarder.Config{}, err
	}

	allow, err := c.allowSet()
	if err != nil {
		return forwarder.Config{}, err
	}

	return forwarder.Config{
		MaxServers:          c.MaxServers,
		MaxClientsPerServer: c.MaxClientsPerServer,
		CheckInterval:       c.CheckInterval,
		Allow:               allow,
		ClientInitRate:      c.ClientInitRate,
		ClientInitInterval:  c.ClientInitInterval,
		Codec:               codec,
	}, nil
}

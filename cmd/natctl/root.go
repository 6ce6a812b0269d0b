package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/advertise"
	"github.com/edup2p/natlayer/types/natlayer"
	"github.com/edup2p/natlayer/types/rpc"
	"github.com/edup2p/natlayer/types/transport"
)

var (
	// Global flags
	forwarderAddr string
	etcdEndpoints []string
	etcdPrefix    string
	useHTTP       bool
	useTLS        bool
	codecName     string
	logLevel      string
	rpcTimeout    time.Duration

	programLevel = new(slog.LevelVar)

	// Set during PersistentPreRun
	layer *natlayer.Layer
	fwd   types.Addr
)

var rootCmd = &cobra.Command{
	Use:   "natctl",
	Short: "Reach servers behind NAT, and serve from behind one, through a forwarder",

	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := parseLevel(logLevel)
		if err != nil {
			return err
		}
		programLevel.Set(level)

		if forwarderAddr != "" {
			if fwd, err = types.ParseAddr(forwarderAddr); err != nil {
				return fmt.Errorf("invalid forwarder address: %w", err)
			}
		}

		cfg, err := layerConfig()
		if err != nil {
			return err
		}

		layer = natlayer.New(cfg)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if layer == nil {
			return nil
		}
		return layer.Close()
	},
}

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})))

	f := rootCmd.PersistentFlags()
	f.StringVarP(&forwarderAddr, "forwarder", "f", "", "forwarder address (host:port), looked up in etcd if not set")
	f.StringSliceVar(&etcdEndpoints, "etcd", nil, "etcd endpoints to look up forwarders and servers in")
	f.StringVar(&etcdPrefix, "etcd-prefix", advertise.DefaultEtcdPrefix, "etcd key prefix")
	f.BoolVar(&useHTTP, "http", false, "reach the forwarder over an HTTP upgrade")
	f.BoolVar(&useTLS, "tls", false, "use TLS for the HTTP upgrade")
	f.StringVar(&codecName, "codec", rpc.JSON.Name(), "control message codec (json or bson)")
	f.StringVar(&logLevel, "log-level", "warn", "log level: trace, debug, info, warn or error")
	f.DurationVar(&rpcTimeout, "timeout", natlayer.DefaultRPCTimeout, "timeout of every exchange with the forwarder")

	rootCmd.AddCommand(externalAddrCmd, behindNATCmd, dialCmd, serveCmd)
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "trace":
		return types.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func layerConfig() (natlayer.Config, error) {
	codec, err := rpc.CodecByName(codecName)
	if err != nil {
		return natlayer.Config{}, err
	}

	cfg := natlayer.Config{
		Codec:      codec,
		RPCTimeout: rpcTimeout,
	}

	if useHTTP {
		cfg.Transport = transport.HTTP{TLS: useTLS}
	}

	if len(etcdEndpoints) > 0 {
		adv, err := advertise.NewEtcd(etcdEndpoints, etcdPrefix)
		if err != nil {
			return natlayer.Config{}, fmt.Errorf("could not connect to etcd: %w", err)
		}
		cfg.Advertiser = adv
	}

	return cfg, nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edup2p/natlayer/server/forwarder"
	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/advertise"
	"github.com/edup2p/natlayer/types/transport"
)

var (
	configPath = flag.String("c", "", "config file path (yaml)")
	addr       = flag.String("a", "", "leg listen address, in form \":port\" or \"ip:port\", overrides the config file")
	logLevel   = flag.String("log-level", "", "log level: trace, debug, info, warn or error")

	programLevel = new(slog.LevelVar) // Info by default
)

func main() {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
	slog.SetDefault(slog.New(h))

	flag.Parse()

	switch *logLevel {
	case "trace":
		programLevel.Set(types.LevelTrace)
	case "debug":
		programLevel.Set(slog.LevelDebug)
	case "info", "":
		programLevel.Set(slog.LevelInfo)
	case "warn":
		programLevel.Set(slog.LevelWarn)
	case "error":
		programLevel.Set(slog.LevelError)
	default:
		slog.Warn("could not recognise flag --log-level, will use log level info", "unrecognised-argument", *logLevel)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("could not load config", "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Listen = *addr
	}

	local, err := types.ParseAddr(cfg.Listen)
	if err != nil {
		slog.Error("invalid listen address", "addr", cfg.Listen, "err", err)
		os.Exit(1)
	}

	scfg, err := cfg.ServerConfig()
	if err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	s, err := forwarder.NewServer(scfg)
	if err != nil {
		slog.Error("could not create forwarder", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Serve(ctx, transport.TCP{KeepAlive: 11 * time.Second}, local)
	})

	if cfg.HTTPListen != "" {
		httpsrv := &http.Server{
			Addr:    cfg.HTTPListen,
			Handler: httpMux(s),

			ReadHeaderTimeout: 30 * time.Second,
		}

		g.Go(func() error {
			slog.Info("serving http upgrades", "addr", cfg.HTTPListen)
			if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			return httpsrv.Shutdown(context.Background())
		})
	}

	if len(cfg.Etcd.Endpoints) > 0 {
		adv, err := advertise.NewEtcd(cfg.Etcd.Endpoints, cfg.Etcd.Prefix)
		if err != nil {
			slog.Error("could not connect to etcd", "err", err)
			os.Exit(1)
		}
		defer adv.Close()

		public := cfg.Public
		if public == "" {
			public = cfg.Listen
		}

		pool := advertise.NewPool(adv, cfg.Etcd.Interval, 0)

		g.Go(func() error {
			if err := pool.Add(ctx, advertise.ForwarderListKey, public); err != nil {
				slog.Warn("could not advertise forwarder", "public", public, "err", err)
			}
			pool.Run(ctx)

			// let the entry go right away, instead of waiting for it to expire
			return pool.Remove(context.Background(), advertise.ForwarderListKey, public)
		})
	}

	err = g.Wait()

	if cerr := s.Close(); cerr != nil && !errors.Is(cerr, forwarder.ErrServerClosed) {
		slog.Warn("error when closing forwarder", "err", cerr)
	}

	if err != nil {
		slog.Error("forwarder exited with error", "err", err)
		os.Exit(1)
	}
}

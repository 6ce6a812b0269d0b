package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell/v2"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/key"
	"github.com/edup2p/natlayer/types/mux"
	"github.com/edup2p/natlayer/types/natlayer"
	"github.com/edup2p/natlayer/types/transport"
)

var (
	programLevel = new(slog.LevelVar) // Info by default

	fwd     types.Addr
	useHTTP bool

	layer   *natlayer.Layer
	handles = make(map[string]*natlayer.ServerHandle)
)

func main() {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel, AddSource: true})
	slog.SetDefault(slog.New(h))
	programLevel.Set(slog.LevelInfo)

	shell := ishell.New()

	shell.SetHomeHistoryPath(".natsh_history")

	shell.Println("NAT Layer Interactive Shell")

	shell.AddCmd(&ishell.Cmd{
		Name: "trace",
		Help: "set log level to trace",
		Func: func(c *ishell.Context) {
			programLevel.Set(types.LevelTrace)
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "debug",
		Help: "set log level to debug",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelDebug)
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "info",
		Help: "set log level to info",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelInfo)
		},
	})

	shell.AddCmd(fwdCmd())
	shell.AddCmd(extCmd())
	shell.AddCmd(listenCmd())
	shell.AddCmd(closeCmd())
	shell.AddCmd(dialCmd())
	shell.AddCmd(legsCmd())

	shell.Run()

	if layer != nil {
		_ = layer.Close()
	}
}

func getLayer() *natlayer.Layer {
	if layer == nil {
		cfg := natlayer.Config{}
		if useHTTP {
			cfg.Transport = transport.HTTP{}
		}
		layer = natlayer.New(cfg)
	}
	return layer
}

func timeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func fwdCmd() *ishell.Cmd {
	c := &ishell.Cmd{
		Name: "fwd",
		Help: "forwarder to use",
		Func: func(c *ishell.Context) {
			c.Println("forwarder:", fwd.String(), "http:", useHTTP)
		},
	}

	c.AddCmd(&ishell.Cmd{
		Name: "set",
		Help: "set the forwarder: fwd set <host:port> [http]",
		Func: func(c *ishell.Context) {
			if len(c.Args) == 0 {
				c.Err(fmt.Errorf("usage: fwd set <host:port> [http]"))
				return
			}

			a, err := types.ParseAddr(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}

			http := len(c.Args) > 1 && c.Args[1] == "http"
			if layer != nil && http != useHTTP {
				c.Println("transport changed, reconnecting everything")
				_ = layer.Close()
				layer = nil
				clear(handles)
			}

			fwd, useHTTP = a, http
			c.Println("forwarder set to", fwd.String())
		},
	})

	return c
}

func extCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "ext",
		Help: "show the external address, and whether we're behind NAT",
		Func: func(c *ishell.Context) {
			ctx, cancel := timeout()
			defer cancel()

			ext, err := getLayer().ExternalAddr(ctx, fwd)
			if err != nil {
				c.Err(err)
				return
			}

			behind, err := getLayer().BehindNAT(ctx, fwd)
			if err != nil {
				c.Err(err)
				return
			}

			c.Println("external:", ext.String(), "behind nat:", behind)
		},
	}
}

func parseTarget(args []string) (key.ServerKey, uint16, error) {
	if len(args) < 2 {
		return key.ServerKey{}, 0, fmt.Errorf("expected <server> <port>")
	}

	k, err := key.ParseServer(args[0])
	if err != nil {
		return key.ServerKey{}, 0, err
	}

	port, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return key.ServerKey{}, 0, fmt.Errorf("invalid port %q: %w", args[1], err)
	}

	return k, uint16(port), nil
}

func listenCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "listen",
		Help: "echo every connection to a port: listen <server> <port> [persist]",
		Func: func(c *ishell.Context) {
			k, port, err := parseTarget(c.Args)
			if err != nil {
				c.Err(err)
				return
			}

			ctx, cancel := timeout()
			defer cancel()

			h, err := getLayer().Listen(ctx, k, port, func(conn *mux.Conn) {
				slog.Info("echoing connection", "from", conn.RemoteAddr().String(), "port", port)
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}, natlayer.ListenOptions{Forwarder: fwd, Persist: len(c.Args) > 2 && c.Args[2] == "persist"})
			if err != nil {
				c.Err(err)
				return
			}

			handles[c.Args[0]+":"+c.Args[1]] = h
			c.Println("listening on", k.Debug(), "port", port, "through", h.Forwarder().String())
		},
	}
}

func closeCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "close",
		Help: "stop listening: close <server> <port>",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(fmt.Errorf("expected <server> <port>"))
				return
			}

			name := c.Args[0] + ":" + c.Args[1]
			h, ok := handles[name]
			if !ok {
				c.Err(fmt.Errorf("not listening on %s", name))
				return
			}
			delete(handles, name)

			if err := h.Close(); err != nil {
				c.Err(err)
			}
		},
	}
}

func dialCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "dial",
		Help: "send a line to a server, and print what comes back: dial <server> <port> <message...>",
		Func: func(c *ishell.Context) {
			k, port, err := parseTarget(c.Args)
			if err != nil {
				c.Err(err)
				return
			}

			msg := strings.Join(c.Args[2:], " ")
			if msg == "" {
				msg = c.ReadLine()
			}

			ctx, cancel := timeout()
			defer cancel()

			conn, err := getLayer().Dial(ctx, k, port, natlayer.DialOptions{Forwarder: fwd})
			if err != nil {
				c.Err(err)
				return
			}
			defer conn.Close()

			if _, err := conn.SendContext(ctx, []byte(msg)); err != nil {
				c.Err(err)
				return
			}

			buf := make([]byte, len(msg))
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			n, err := io.ReadFull(conn, buf)
			if err != nil {
				c.Err(err)
			}
			c.Println("reply:", string(buf[:n]))
		},
	}
}

func legsCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "legs",
		Help: "show the connections to forwarders",
		Func: func(c *ishell.Context) {
			if layer == nil {
				c.Println("no legs")
				return
			}

			for _, m := range layer.Registry().Multiplexers() {
				c.Printf("%s -> %s: %s, %d conns, ports %v\n", m.Local(), m.Remote(), m.State(), m.NumConns(), m.Ports())
			}
			for name, h := range handles {
				c.Printf("%s: alive=%t via %s\n", name, h.Alive(), h.Forwarder())
			}
		},
	}
}

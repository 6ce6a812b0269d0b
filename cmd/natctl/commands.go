package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edup2p/natlayer/types/key"
	"github.com/edup2p/natlayer/types/mux"
	"github.com/edup2p/natlayer/types/natlayer"
)

var externalAddrCmd = &cobra.Command{
	Use:   "externaladdr",
	Short: "Show the address the forwarder sees this host at",
	RunE: func(cmd *cobra.Command, args []string) error {
		ext, err := layer.ExternalAddr(cmd.Context(), fwd)
		if err != nil {
			return fmt.Errorf("failed to get external address: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), ext.String())
		return nil
	},
}

var behindNATCmd = &cobra.Command{
	Use:   "behind-nat",
	Short: "Tell whether this host is behind NAT",
	RunE: func(cmd *cobra.Command, args []string) error {
		behind, err := layer.BehindNAT(cmd.Context(), fwd)
		if err != nil {
			return fmt.Errorf("failed to check for NAT: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), behind)
		return nil
	},
}

var dialCmd = &cobra.Command{
	Use:   "dial <server> <port>",
	Short: "Connect to a server behind NAT, and pipe stdin and stdout through the connection",
	Long: `Connect to a port of a server behind NAT.

The server is either a marshalled key (srvkey:...), or an identity to derive one from.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, port, err := parseTarget(args)
		if err != nil {
			return err
		}

		c, err := layer.Dial(cmd.Context(), k, port, natlayer.DialOptions{Forwarder: fwd})
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}

		pipe(c, cmd.InOrStdin(), cmd.OutOrStdout())
		return nil
	},
}

var (
	serveTarget  string
	servePersist bool
)

var serveCmd = &cobra.Command{
	Use:   "serve <server> <port>",
	Short: "Accept connections to a port through the forwarder, and pass them on to a local address",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, port, err := parseTarget(args)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		h, err := layer.Listen(ctx, k, port, func(c *mux.Conn) {
			proxy(c, serveTarget)
		}, natlayer.ListenOptions{Forwarder: fwd, Persist: servePersist})
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "serving %s port %d through %s\n", k.Debug(), port, h.Forwarder())

		<-ctx.Done()

		return h.Close()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveTarget, "target", "t", "", "local address to pass connections on to (required)")
	serveCmd.Flags().BoolVar(&servePersist, "persist", true, "re-register when the forwarder is lost")
	_ = serveCmd.MarkFlagRequired("target")
}

func parseTarget(args []string) (key.ServerKey, uint16, error) {
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

// pipe copies in to c and c to out, until the server closes c.
func pipe(c *mux.Conn, in io.Reader, out io.Writer) {
	go func() {
		_, _ = io.Copy(c, in)
	}()

	_, _ = io.Copy(out, c)
	_ = c.Close()
}

func proxy(c *mux.Conn, target string) {
	defer c.Close()

	tc, err := net.Dial("tcp", target)
	if err != nil {
		fmt.Fprintln(os.Stderr, "could not reach target:", err)
		return
	}
	defer tc.Close()

	go func() {
		_, _ = io.Copy(tc, c)
		_ = tc.Close()
	}()

	_, _ = io.Copy(c, tc)
}

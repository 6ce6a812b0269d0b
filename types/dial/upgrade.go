package dial

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"
)

// Upgrade dials, and asks for the connection to switch to protocol by requesting url.
//
// The returned reader may hold bytes the server sent right after its response.
func Upgrade(ctx context.Context, opts Opts, url, protocol string) (net.Conn, *bufio.Reader, error) {
	opts.SetDefaults()

	conn, err := TCP(ctx, opts)
	if err != nil {
		return nil, nil, err
	}

	br, err := upgrade(ctx, conn, opts, url, protocol)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	return conn, br, nil
}

func upgrade(ctx context.Context, conn net.Conn, opts Opts, url, protocol string) (*bufio.Reader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create http request: %w", err)
	}
	req.Header.Set("Upgrade", protocol)
	req.Header.Set("Connection", "Upgrade")

	if err := conn.SetDeadline(time.Now().Add(opts.EstablishTimeout)); err != nil {
		return nil, fmt.Errorf("could not set deadline: %w", err)
	}

	bw := bufio.NewWriter(conn)
	if err := req.Write(bw); err != nil {
		return nil, fmt.Errorf("could not write http request: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("could not flush http request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("could not read http response: %w", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("upgrade refused with %d: %q", resp.StatusCode, b)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("could not clear deadline: %w", err)
	}

	return br, nil
}

// Acceptor takes over connections that switched protocols.
type Acceptor interface {
	Logger() *slog.Logger
	// Accept runs the connection until it is done, mc is closed afterwards.
	Accept(ctx context.Context, mc net.Conn, brw *bufio.ReadWriter, remoteAddrPort netip.AddrPort) error
}

// UpgradeHandler switches requests that ask for protocol over to a, and refuses every other request.
func UpgradeHandler(a Acceptor, protocol string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := a.Logger().With("peer", r.RemoteAddr)

		up := strings.ToLower(r.Header.Get("Upgrade"))
		if up != protocol {
			if up != "" {
				log.Warn("odd upgrade requested", "upgrade", up)
			}
			http.Error(w, "requires the "+protocol+" upgrade", http.StatusUpgradeRequired)
			return
		}

		h, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "connection can not be taken over", http.StatusInternalServerError)
			return
		}

		mc, brw, err := h.Hijack()
		if err != nil {
			log.Warn("hijack failed", "err", err)
			return
		}
		defer func() {
			if err := mc.Close(); err != nil {
				log.Debug("error when closing upgraded connection", "err", err)
			}
		}()

		if tc, ok := mc.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(DefaultKeepAlive)
		}

		if _, err := fmt.Fprintf(brw, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: %s\r\nConnection: Upgrade\r\n\r\n", up); err != nil {
			log.Warn("could not write 101 response", "err", err)
			return
		}
		if err := brw.Flush(); err != nil {
			log.Warn("could not flush 101 response", "err", err)
			return
		}

		remote, _ := netip.ParseAddrPort(mc.RemoteAddr().String())

		// the request context ends with the handler, which the hijacked connection outlives
		err = a.Accept(context.Background(), mc, brw, remote)

		log.Debug("upgraded connection ended", "reason", err)
	})
}

// Package transport provides the real connections that multiplexers run over.
package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/edup2p/natlayer/types"
	"github.com/edup2p/natlayer/types/dial"
)

var (
	// ErrAddrInUse is returned when opening a connection would duplicate an existing 4-tuple.
	ErrAddrInUse = dial.ErrAddrInUse

	// ErrRefused is returned when nothing listens at the remote address.
	ErrRefused = errors.New("connection refused")
)

// AcceptFunc receives every accepted connection, on its own goroutine.
type AcceptFunc func(conn net.Conn)

// Transport opens and accepts real connections.
type Transport interface {
	// Open connects to remote, binding to local if it is not zero.
	//
	// A timeout of zero uses the transport default.
	Open(ctx context.Context, remote, local types.Addr, timeout time.Duration) (net.Conn, error)

	// Listen starts accepting connections on local, until the returned Listener is closed.
	Listen(ctx context.Context, local types.Addr, accept AcceptFunc) (Listener, error)
}

type Listener interface {
	Addr() types.Addr
	Close() error
}

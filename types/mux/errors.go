package mux

import (
	"errors"
	"fmt"
)

var (
	ErrConnRefused   = errors.New("Connection Refused!")
	ErrTimeout       = errors.New("Connection timed out!")
	ErrSocketClosed  = errors.New("The socket has been closed!")
	ErrWouldBlock    = errors.New("operation would block")
	ErrInvalidHandle = errors.New("invalid or stale listener handle")
	ErrInvalidLength = errors.New("receive length must be positive")
	ErrNoMultiplexer = errors.New("no multiplexer to that endpoint")

	// ErrMuxClosed is the cause a multiplexer dies with when it is closed locally.
	ErrMuxClosed = errors.New("multiplexer closed")

	// ErrCreditOverflow is a peer sending more data than it was granted credit for.
	ErrCreditOverflow = errors.New("peer exceeded granted credit")
)

// socketClosed wraps the reason a socket died, such that it always matches ErrSocketClosed.
func socketClosed(cause error) error {
	if cause == nil || errors.Is(cause, ErrSocketClosed) {
		return ErrSocketClosed
	}
	return fmt.Errorf("%w: %w", ErrSocketClosed, cause)
}

package mux

import "fmt"

// window tracks credit in both directions of one virtual connection.
type window struct {
	// credit the peer still has for sending to us
	read uint64
	// credit we still have for sending to the peer
	write uint64
	// consumed bytes that have not been returned to the peer yet
	unreleased uint64

	unit uint64
}

func newWindow(size, unit uint64) window {
	return window{read: size, unit: unit}
}

// deliver accounts for n bytes arriving from the peer.
func (w *window) deliver(n uint64) error {
	if n > w.read {
		return fmt.Errorf("%w: got %d bytes with %d credit left", ErrCreditOverflow, n, w.read)
	}
	w.read -= n
	return nil
}

// consume accounts for n bytes read by the application, and returns the credit to grant the peer, if any.
func (w *window) consume(n uint64) (grant uint64) {
	w.unreleased += n
	if w.unreleased < w.unit {
		return 0
	}
	grant, w.unreleased = w.unreleased, 0
	w.read += grant
	return grant
}

// grant accounts for credit received from the peer.
func (w *window) grant(n uint64) {
	w.write += n
}

// take reserves up to n bytes of write credit, and returns how many were reserved.
func (w *window) take(n uint64) uint64 {
	n = min(n, w.write)
	w.write -= n
	return n
}

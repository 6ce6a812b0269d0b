package rpc

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// LengthDigits is the width of the decimal length prefix of every message.
	LengthDigits = 4

	MaxMessage = 9999
)

var (
	ErrTooLarge   = errors.New("rpc message too large")
	ErrBadLength  = errors.New("rpc message has a malformed length")
	ErrUnknownOp  = errors.New("unknown rpc request")
	ErrIDMismatch = errors.New("rpc reply does not match request")
)

func writeMessage(w io.Writer, b []byte) error {
	if len(b) > MaxMessage {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b))
	}

	buf := make([]byte, 0, LengthDigits+len(b))
	buf = fmt.Appendf(buf, "%0*d", LengthDigits, len(b))
	buf = append(buf, b...)

	_, err := w.Write(buf)
	return err
}

func readMessage(r io.Reader) ([]byte, error) {
	var prefix [LengthDigits]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	for _, c := range prefix {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w: %q", ErrBadLength, prefix[:])
		}
	}
	n, _ := strconv.Atoi(string(prefix[:]))

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}

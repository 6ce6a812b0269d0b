package key

import (
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"go4.org/mem"
)

const (
	serverKeyHexPrefix = "srvkey:"
	clientKeyHexPrefix = "clikey:"
)

var (
	ErrMissingPrefix = errors.New("key hex has the wrong prefix")
	ErrWrongLength   = errors.New("key hex has the wrong length")
)

// rand fills b with cryptographically strong random bytes. Panics if
// no random bytes are available.
func rand(b []byte) {
	if _, err := io.ReadFull(crand.Reader, b[:]); err != nil {
		panic(fmt.Sprintf("unable to read random bytes from OS: %v", err))
	}
}

// appendHexKey appends prefix followed by the hex of key to dst.
func appendHexKey(dst []byte, prefix string, key []byte) []byte {
	dst = append(dst, prefix...)
	return hex.AppendEncode(dst, key)
}

// parseHex decodes a key string of the form "<prefix><hex string>"
// into out. The prefix must match, and the decoded hex must fit
// exactly into out.
//
// Note the errors in this function deliberately do not echo the
// contents of in, because it might be a private key or part of a
// private key.
func parseHex(out []byte, in, prefix mem.RO) error {
	if !mem.HasPrefix(in, prefix) {
		return fmt.Errorf("%w: want %q", ErrMissingPrefix, prefix.StringCopy())
	}
	in = in.SliceFrom(prefix.Len())
	if want := len(out) * 2; in.Len() != want {
		return fmt.Errorf("%w: want %d, got %d", ErrWrongLength, want, in.Len())
	}
	for i := range out {
		var ok bool
		out[i], ok = fromHexChar(in.At(i*2), in.At(i*2+1))
		if !ok {
			return errors.New("invalid hex character in key")
		}
	}
	return nil
}

// fromHexChar converts a hex character pair into a byte.
func fromHexChar(a, b byte) (byte, bool) {
	hi, ok1 := hexNibble(a)
	lo, ok2 := hexNibble(b)
	return hi<<4 | lo, ok1 && ok2
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

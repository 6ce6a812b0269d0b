package key

import (
	"encoding/hex"
	"fmt"
)

const Len = 32

// NakedKey is the 32-byte underlying key.
//
// Only ever used as the backing type of the typed keys, never put on the wire directly.
type NakedKey [Len]byte

func (n NakedKey) Debug() string {
	return fmt.Sprintf("%x", n)
}

func (n NakedKey) HexString() string {
	return hex.EncodeToString(n[:])
}

// IsZero reports whether k is the zero value.
func (n NakedKey) IsZero() bool {
	return n == NakedKey{}
}

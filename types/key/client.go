package key

import (
	"fmt"

	"go4.org/mem"
)

// ClientKey identifies the client side of a relayed connection, purely for bookkeeping and logs.
type ClientKey NakedKey

func NewClient() (k ClientKey) {
	rand(k[:])
	return
}

func (k ClientKey) Debug() string {
	return fmt.Sprintf("%x", k)
}

func (k ClientKey) HexString() string {
	return NakedKey(k).HexString()
}

func (k ClientKey) IsZero() bool {
	return k == ClientKey{}
}

func (k ClientKey) AppendText(b []byte) ([]byte, error) {
	return appendHexKey(b, clientKeyHexPrefix, k[:]), nil
}

func (k ClientKey) MarshalText() ([]byte, error) {
	return k.AppendText(nil)
}

func (k *ClientKey) UnmarshalText(b []byte) error {
	return parseHex(k[:], mem.B(b), mem.S(clientKeyHexPrefix))
}

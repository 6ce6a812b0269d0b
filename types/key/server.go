package key

import (
	"encoding/json"
	"fmt"
	"strings"

	"go4.org/mem"
	"golang.org/x/crypto/blake2b"
)

// ServerKey identifies a server registration at a forwarder.
type ServerKey NakedKey

// NewServer creates a new random ServerKey.
func NewServer() (k ServerKey) {
	rand(k[:])
	return
}

// DeriveServer derives a stable ServerKey from an identity string, so that peers
// agreeing on a name also agree on the key without exchanging it.
func DeriveServer(identity string) ServerKey {
	return blake2b.Sum256([]byte(identity))
}

func (k ServerKey) Debug() string {
	return fmt.Sprintf("%x", k)
}

func (k ServerKey) HexString() string {
	return NakedKey(k).HexString()
}

func (k ServerKey) IsZero() bool {
	return k == ServerKey{}
}

// AppendText implements encoding.TextAppender. It appends a typed prefix
// followed by hex encoded represtation of k to b.
func (k ServerKey) AppendText(b []byte) ([]byte, error) {
	return appendHexKey(b, serverKeyHexPrefix, k[:]), nil
}

// MarshalText implements encoding.TextMarshaler.
func (k ServerKey) MarshalText() ([]byte, error) {
	return k.AppendText(nil)
}

// UnmarshalText implements encoding.TextUnmarshaler. It expects a typed prefix
// followed by a hex encoded representation of k.
func (k *ServerKey) UnmarshalText(b []byte) error {
	return parseHex(k[:], mem.B(b), mem.S(serverKeyHexPrefix))
}

func (k ServerKey) String() string {
	b, _ := k.MarshalText()
	return string(b)
}

// UnmarshalServer parses a ServerKey, with or without surrounding JSON quotes.
func UnmarshalServer(s string) (*ServerKey, error) {
	if !strings.HasSuffix(s, "\"") && !strings.HasPrefix(s, "\"") {
		s = fmt.Sprintf("\"%s\"", s)
	}

	k := new(ServerKey)

	if err := json.Unmarshal([]byte(s), k); err != nil {
		return nil, err
	}

	return k, nil
}

// ParseServer accepts either a marshalled key, or an identity to derive one from.
func ParseServer(s string) (ServerKey, error) {
	if !strings.HasPrefix(s, serverKeyHexPrefix) {
		return DeriveServer(s), nil
	}

	var k ServerKey
	if err := k.UnmarshalText([]byte(s)); err != nil {
		return ServerKey{}, fmt.Errorf("could not parse server key: %w", err)
	}
	return k, nil
}

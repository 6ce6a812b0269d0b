package mux

import (
	"encoding/json"
	"fmt"
)

// handshake is the INIT_CLIENT payload.
type handshake struct {
	// Port is the virtual port to connect to.
	Port uint16 `json:"port"`

	// Host and From name the virtual address of the opening side, purely informational.
	Host string `json:"host,omitempty"`
	From uint16 `json:"from,omitempty"`

	// Window is the credit the opening side grants to start with.
	Window uint64 `json:"window"`
}

func (h handshake) marshal() []byte {
	b, err := json.Marshal(h)
	if err != nil {
		panic(fmt.Sprintf("could not marshal handshake: %s", err))
	}
	return b
}

func parseHandshake(b []byte) (h handshake, err error) {
	err = json.Unmarshal(b, &h)
	return
}

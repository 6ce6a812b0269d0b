package mux

import (
	"bufio"
	"time"

	"github.com/edup2p/natlayer/types/frame"
)

const (
	DefaultOpenTimeout  = 10 * time.Second
	DefaultWriteTimeout = 15 * time.Second
)

// ErrorDelegate is called once when a multiplexer dies of an unrecoverable error, with the place it happened.
type ErrorDelegate func(m *Multiplexer, location string, err error)

type Config struct {
	// Window is the amount of bytes a virtual connection buffers for reading, and so the credit it grants.
	//
	// If 0, uses frame.DefaultWindow.
	Window uint64

	// CreditUnit is the amount of consumed bytes after which credit is returned to the peer.
	//
	// If 0, uses half of Window.
	CreditUnit uint64

	// OpenTimeout bounds OpenConn when the context has no deadline.
	OpenTimeout time.Duration

	// WriteTimeout bounds every write on the real connection, a peer that does not read for this long is dead.
	//
	// If 0, uses DefaultWriteTimeout, negative disables it.
	WriteTimeout time.Duration

	// Initiator is set on the side that opened the real connection, it decides the parity of connection ids.
	Initiator bool

	// Reader holds bytes that were already read from the connection, if any.
	Reader *bufio.Reader

	ErrorDelegate ErrorDelegate
}

func (c *Config) SetDefaults() {
	if c.Window == 0 {
		c.Window = frame.DefaultWindow
	}

	if c.CreditUnit == 0 || c.CreditUnit > c.Window {
		c.CreditUnit = max(c.Window/2, 1)
	}

	if c.OpenTimeout == 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}

	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

package forwarder

import (
	"errors"
	"fmt"

	"github.com/edup2p/natlayer/types/key"
	"github.com/edup2p/natlayer/types/rpc"
)

var (
	ErrRegistryFull      = errors.New("full")
	ErrKeyInUse          = errors.New("in_use")
	ErrNoServer          = errors.New("no server registered under key")
	ErrServerBusy        = errors.New("server has too many clients")
	ErrPortNotRegistered = errors.New("port not registered")
	ErrForbidden         = errors.New("forbidden")
	ErrNotOwner          = errors.New("registration belongs to another connection")
	ErrRateLimited       = errors.New("too many requests")
)

// AdmissionError is a refused request, it matches its cause with errors.Is.
type AdmissionError struct {
	Err  error
	Key  key.ServerKey
	Port uint16
}

func admission(err error, k key.ServerKey, port uint16) *AdmissionError {
	return &AdmissionError{Err: err, Key: k, Port: port}
}

func (e *AdmissionError) Error() string {
	if e.Port != 0 {
		return fmt.Sprintf("%s (server %s, port %d)", e.Err, e.Key.Debug(), e.Port)
	}
	return fmt.Sprintf("%s (server %s)", e.Err, e.Key.Debug())
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// Result is what the error is reported as to a client.
func (e *AdmissionError) Result() rpc.Result {
	return resultFor(e.Err)
}

func resultFor(err error) rpc.Result {
	switch {
	case err == nil:
		return rpc.ResultConfirmed
	case errors.Is(err, ErrNoServer):
		return rpc.ResultNoServer
	case errors.Is(err, ErrServerBusy):
		return rpc.ResultBusyServer
	default:
		return rpc.ResultFailed
	}
}

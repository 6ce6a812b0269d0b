package natlayer

import (
	"errors"
	"fmt"

	"github.com/edup2p/natlayer/types/mux"
	"github.com/edup2p/natlayer/types/rpc"
)

var (
	ErrNoServer     = errors.New("server could not be found")
	ErrServerBusy   = errors.New("server is busy")
	ErrConnRefused  = mux.ErrConnRefused
	ErrNoForwarder  = errors.New("no forwarder could be reached")
	ErrLayerClosed  = errors.New("nat layer closed")
	ErrNoAdvertiser = errors.New("no forwarder given, and no advertiser to find one")
)

// RequestError is a request the forwarder did not confirm.
//
// It matches ErrNoServer, ErrServerBusy or ErrConnRefused with errors.Is, according to its result.
type RequestError struct {
	Op     rpc.Op
	Result rpc.Result
	// the reason the forwarder gave, if it is more than the result
	Message string
}

func replyError(op rpc.Op, r *rpc.Reply) *RequestError {
	e := &RequestError{Op: op, Result: r.Result(), Message: r.Message()}
	if e.Message == string(e.Result) {
		e.Message = ""
	}
	return e
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Result)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Result, e.Message)
}

func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrNoServer:
		return e.Result == rpc.ResultNoServer
	case ErrServerBusy:
		return e.Result == rpc.ResultBusyServer
	case ErrConnRefused:
		return e.Result == rpc.ResultFailed
	default:
		return false
	}
}

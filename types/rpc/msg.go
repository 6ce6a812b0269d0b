package rpc

import (
	"fmt"

	"github.com/LukaGiorgadze/gonull"

	"github.com/edup2p/natlayer/types/key"
)

// VirtualPort is where the forwarder accepts control connections, on every multiplexer.
const VirtualPort uint16 = 0

type Op string

const (
	OpExternalAddr     Op = "externaladdr"
	OpRegisterServer   Op = "reg_serv"
	OpDeregisterServer Op = "dereg_serv"
	OpRegisterPort     Op = "reg_port"
	OpDeregisterPort   Op = "dereg_port"
	OpClientInit       Op = "client_init"
)

// Result is the value of a client_init reply.
type Result string

const (
	ResultConfirmed  Result = "CONFIRMED"
	ResultFailed     Result = "FAILED"
	ResultNoServer   Result = "NO_SERVER"
	ResultBusyServer Result = "BSY_SERVER"
)

// Request is one of the control operations.
type Request interface {
	Op() Op
}

// ExternalAddr asks for the address the forwarder sees the caller at.
type ExternalAddr struct{}

// RegisterServer makes the calling multiplexer the server for Key.
type RegisterServer struct {
	Key key.ServerKey `json:"key" bson:"key"`

	// If set, is added to the registered ports right away.
	Port gonull.Nullable[uint16] `json:"port" bson:"port"`
}

// DeregisterServer removes the registration for Key, or every registration of the caller if Key is null.
type DeregisterServer struct {
	Key gonull.Nullable[key.ServerKey] `json:"key" bson:"key"`
}

type RegisterPort struct {
	Server key.ServerKey `json:"server" bson:"server"`
	Port   uint16        `json:"port" bson:"port"`
}

type DeregisterPort struct {
	Server key.ServerKey `json:"server" bson:"server"`
	Port   uint16        `json:"port" bson:"port"`
}

// ClientInit asks the forwarder to connect the calling virtual connection to Port of Server.
type ClientInit struct {
	Server key.ServerKey `json:"server" bson:"server"`
	Port   uint16        `json:"port" bson:"port"`
	Client key.ClientKey `json:"client" bson:"client"`
}

func (ExternalAddr) Op() Op     { return OpExternalAddr }
func (RegisterServer) Op() Op   { return OpRegisterServer }
func (DeregisterServer) Op() Op { return OpDeregisterServer }
func (RegisterPort) Op() Op     { return OpRegisterPort }
func (DeregisterPort) Op() Op   { return OpDeregisterPort }
func (ClientInit) Op() Op       { return OpClientInit }

// AddrResult is the value of a successful externaladdr.
type AddrResult struct {
	IP   string `json:"ip" bson:"ip"`
	Port uint16 `json:"port" bson:"port"`
}

// decodeRequest is the second decoding pass of a request, once its operation is known.
func decodeRequest(c Codec, op Op, data []byte) (Request, error) {
	switch op {
	case OpExternalAddr:
		return decodeAs[ExternalAddr](c, data)
	case OpRegisterServer:
		return decodeAs[RegisterServer](c, data)
	case OpDeregisterServer:
		return decodeAs[DeregisterServer](c, data)
	case OpRegisterPort:
		return decodeAs[RegisterPort](c, data)
	case OpDeregisterPort:
		return decodeAs[DeregisterPort](c, data)
	case OpClientInit:
		return decodeAs[ClientInit](c, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}
}

func decodeAs[T Request](c Codec, data []byte) (Request, error) {
	var v T
	if err := c.DecodeValue(data, &v); err != nil {
		return nil, fmt.Errorf("could not decode %s value: %w", v.Op(), err)
	}
	return v, nil
}

// envelopes, as they are on the wire

type requestHeader struct {
	ID         uint64 `json:"id" bson:"id"`
	Request    Op     `json:"request" bson:"request"`
	Additional bool   `json:"additional" bson:"additional"`
}

type requestEnvelope struct {
	ID         uint64  `json:"id" bson:"id"`
	Request    Op      `json:"request" bson:"request"`
	Value      Request `json:"value" bson:"value"`
	Additional bool    `json:"additional" bson:"additional"`
}

type replyHeader struct {
	ID         uint64 `json:"id" bson:"id"`
	Status     bool   `json:"status" bson:"status"`
	Additional bool   `json:"additional" bson:"additional"`
}

type replyEnvelope struct {
	ID         uint64 `json:"id" bson:"id"`
	Status     bool   `json:"status" bson:"status"`
	Value      any    `json:"value" bson:"value"`
	Additional bool   `json:"additional" bson:"additional"`
}

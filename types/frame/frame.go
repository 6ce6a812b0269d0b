// Package frame contains the wire codec that multiplexes virtual connections over one real connection.
//
// A frame is encoded as a 3-digit header length, the header ";type;length;connid;", and the payload:
//
//	008;0;5;42;hello
package frame

import (
	"fmt"
	"strconv"
)

type Type uint8

const (
	TypeData       Type = 0 // payload bytes
	TypeTerm       Type = 1 // 0B
	TypeCredit     Type = 2 // decimal credit grant, in bytes
	TypeInitClient Type = 3 // JSON handshake
	TypeInitStatus Type = 4 // StatusConfirmed or StatusFailed
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeTerm:
		return "CONN_TERM"
	case TypeCredit:
		return "CONN_BUF_SIZE"
	case TypeInitClient:
		return "INIT_CLIENT"
	case TypeInitStatus:
		return "INIT_STATUS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

func (t Type) known() bool {
	return t <= TypeInitStatus
}

const (
	StatusConfirmed = "CONFIRMED"
	StatusFailed    = "FAILED"
)

const (
	// prefixLen is the amount of bytes needed to learn the header length: "NNN;"
	prefixLen = 4

	// MaxHeader is the largest header that fits the 3-digit length field.
	MaxHeader = 999

	// MaxPayload is the largest payload any frame may carry, larger frames are treated as a framing error.
	MaxPayload = 1 << 20

	// MaxData is the largest DATA payload a sender puts in a single frame.
	MaxData = 32 << 10

	// DefaultWindow is the initial amount of credit a virtual connection grants its peer.
	DefaultWindow = 128 * 1024
)

// Frame is a single unit on the wire, tied to one virtual connection.
type Frame struct {
	Type    Type
	ConnID  uint64
	Payload []byte
}

func Data(id uint64, p []byte) Frame {
	return Frame{Type: TypeData, ConnID: id, Payload: p}
}

func Term(id uint64) Frame {
	return Frame{Type: TypeTerm, ConnID: id}
}

func Credit(id uint64, n uint64) Frame {
	return Frame{Type: TypeCredit, ConnID: id, Payload: strconv.AppendUint(nil, n, 10)}
}

func InitClient(id uint64, handshake []byte) Frame {
	return Frame{Type: TypeInitClient, ConnID: id, Payload: handshake}
}

func InitStatus(id uint64, ok bool) Frame {
	status := StatusFailed
	if ok {
		status = StatusConfirmed
	}
	return Frame{Type: TypeInitStatus, ConnID: id, Payload: []byte(status)}
}

// Credit returns the grant carried by a CONN_BUF_SIZE frame.
func (f Frame) Credit() (uint64, error) {
	if f.Type != TypeCredit {
		return 0, fmt.Errorf("credit of %s frame", f.Type)
	}
	return strconv.ParseUint(string(f.Payload), 10, 64)
}

// Confirmed reports whether an INIT_STATUS frame accepted the connection.
func (f Frame) Confirmed() bool {
	return f.Type == TypeInitStatus && string(f.Payload) == StatusConfirmed
}

func (f Frame) String() string {
	return fmt.Sprintf("%s(conn=%d, len=%d)", f.Type, f.ConnID, len(f.Payload))
}

func (f Frame) header() []byte {
	h := make([]byte, 0, 32)
	h = append(h, ';')
	h = strconv.AppendUint(h, uint64(f.Type), 10)
	h = append(h, ';')
	h = strconv.AppendInt(h, int64(len(f.Payload)), 10)
	h = append(h, ';')
	h = strconv.AppendUint(h, f.ConnID, 10)
	h = append(h, ';')
	return h
}

// AppendTo appends the wire encoding of f to b.
func (f Frame) AppendTo(b []byte) []byte {
	h := f.header()
	b = append(b, byte('0'+len(h)/100), byte('0'+len(h)/10%10), byte('0'+len(h)%10))
	b = append(b, h...)
	return append(b, f.Payload...)
}

// Encode returns the wire encoding of f.
func (f Frame) Encode() []byte {
	return f.AppendTo(make([]byte, 0, len(f.Payload)+prefixLen+32))
}

// EncodedLen is the amount of bytes Encode would return.
func (f Frame) EncodedLen() int {
	return 3 + len(f.header()) + len(f.Payload)
}

package frame

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrIncomplete is returned by Parse when the buffer does not hold a complete frame yet.
var ErrIncomplete = errors.New("incomplete frame")

// ErrFraming is matched by every FramingError.
var ErrFraming = errors.New("framing error")

// FramingError reports a stream that can not be decoded any further.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "framing error: " + e.Reason
}

func (e *FramingError) Is(target error) bool {
	return target == ErrFraming
}

func framingErr(format string, args ...any) error {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

func isDigits(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// headerLen reads the length prefix "NNN;" of a frame.
func headerLen(b []byte) (int, error) {
	n := min(len(b), 3)
	if !isDigits(b[:n]) && n > 0 {
		return 0, framingErr("bad length prefix %q", b[:n])
	}
	if len(b) < prefixLen {
		return 0, ErrIncomplete
	}
	if b[3] != ';' {
		return 0, framingErr("length prefix not terminated")
	}
	hl, _ := strconv.Atoi(string(b[:3]))
	// ";0;0;0;"
	if hl < 7 {
		return 0, framingErr("header length %d too small", hl)
	}
	return hl, nil
}

// Parse decodes one frame from the start of b.
//
// It returns the frame and the amount of bytes it consumed, ErrIncomplete if b holds only part of a frame,
// or a *FramingError if b can never become a valid frame.
// The payload of the returned frame aliases b.
func Parse(b []byte) (Frame, int, error) {
	hl, err := headerLen(b)
	if err != nil {
		return Frame{}, 0, err
	}

	// the header proper starts at the ';' terminating the length prefix
	if len(b) < 3+hl {
		return Frame{}, 0, ErrIncomplete
	}
	hdr := b[3 : 3+hl]
	if hdr[len(hdr)-1] != ';' {
		return Frame{}, 0, framingErr("header not terminated")
	}

	fields := strings.Split(string(hdr[1:len(hdr)-1]), ";")
	if len(fields) != 3 {
		return Frame{}, 0, framingErr("header has %d fields", len(fields))
	}
	for _, f := range fields {
		if !isDigits([]byte(f)) {
			return Frame{}, 0, framingErr("non-numeric header field %q", f)
		}
	}

	typ, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil || !Type(typ).known() {
		return Frame{}, 0, framingErr("unknown opcode %s", fields[0])
	}
	plen, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil || plen > MaxPayload {
		return Frame{}, 0, framingErr("payload length %s out of range", fields[1])
	}
	id, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Frame{}, 0, framingErr("connection id %s out of range", fields[2])
	}

	total := 3 + hl + int(plen)
	if len(b) < total {
		return Frame{}, 0, ErrIncomplete
	}

	f := Frame{
		Type:    Type(typ),
		ConnID:  id,
		Payload: b[3+hl : total],
	}

	if err := f.validate(); err != nil {
		return Frame{}, 0, err
	}

	return f, total, nil
}

func (f Frame) validate() error {
	switch f.Type {
	case TypeTerm:
		if len(f.Payload) != 0 {
			return framingErr("CONN_TERM with payload")
		}
	case TypeCredit:
		if !isDigits(f.Payload) {
			return framingErr("bad credit %q", f.Payload)
		}
		if _, err := strconv.ParseUint(string(f.Payload), 10, 64); err != nil {
			return framingErr("credit out of range")
		}
	case TypeInitStatus:
		if s := string(f.Payload); s != StatusConfirmed && s != StatusFailed {
			return framingErr("bad init status %q", s)
		}
	}
	return nil
}

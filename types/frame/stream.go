package frame

import (
	"bufio"
	"errors"
	"io"
)

// Reader reads frames from a buffered stream.
type Reader struct {
	br *bufio.Reader
}

func NewReader(br *bufio.Reader) *Reader {
	return &Reader{br: br}
}

// ReadFrame blocks until a full frame is read.
//
// A clean EOF before the first byte of a frame is returned as io.EOF, an EOF halfway through a frame as
// io.ErrUnexpectedEOF.
func (r *Reader) ReadFrame() (Frame, error) {
	buf := make([]byte, prefixLen, prefixLen+32)

	if _, err := io.ReadFull(r.br, buf); err != nil {
		return Frame{}, err
	}

	hl, err := headerLen(buf)
	if err != nil {
		return Frame{}, err
	}

	buf, err = r.readMore(buf, hl-1)
	if err != nil {
		return Frame{}, err
	}

	f, _, err := Parse(buf)
	if !errors.Is(err, ErrIncomplete) {
		return f, err
	}

	// the header is complete, so what remains is the payload
	buf, err = r.readMore(buf, payloadLen(buf))
	if err != nil {
		return Frame{}, err
	}

	f, _, err = Parse(buf)
	return f, err
}

func (r *Reader) readMore(buf []byte, n int) ([]byte, error) {
	start := len(buf)
	buf = append(buf, make([]byte, n)...)
	if _, err := io.ReadFull(r.br, buf[start:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// payloadLen returns the payload length field of a buffer that holds a validated header.
func payloadLen(buf []byte) int {
	hdr := buf[prefixLen-1:]
	// ;type;len;id;
	var field, seen int
	for _, c := range hdr[1:] {
		if c == ';' {
			seen++
			if seen == 2 {
				break
			}
			continue
		}
		if seen == 1 {
			field = field*10 + int(c-'0')
		}
	}
	return field
}

// Writer writes frames to a buffered stream, the caller decides when to flush.
type Writer struct {
	bw *bufio.Writer
}

func NewWriter(bw *bufio.Writer) *Writer {
	return &Writer{bw: bw}
}

func (w *Writer) WriteFrame(f Frame) error {
	_, err := w.bw.Write(f.Encode())
	return err
}

func (w *Writer) Flush() error {
	return w.bw.Flush()
}

func (w *Writer) Buffered() int {
	return w.bw.Buffered()
}

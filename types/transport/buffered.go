package transport

import (
	"bufio"
	"net"
	"sync"
)

// BufferedConn is a connection that has already been read from through a bufio.Reader, such as a hijacked
// HTTP connection. Reads drain the buffer first.
//
// Done is closed once the connection is closed.
type BufferedConn struct {
	net.Conn

	r *bufio.Reader

	closeOnce sync.Once
	done      chan struct{}
}

func NewBufferedConn(conn net.Conn, r *bufio.Reader) *BufferedConn {
	return &BufferedConn{
		Conn: conn,
		r:    r,
		done: make(chan struct{}),
	}
}

func (c *BufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *BufferedConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return err
}

func (c *BufferedConn) Done() <-chan struct{} {
	return c.done
}

package tlsengine

import (
	"errors"
	"net"
	"os"
	"time"
)

// ByteChannel is a non-blocking byte stream. Read returns (0, nil) when no
// data is available yet and io.EOF once the peer has closed.
type ByteChannel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// DefaultPollInterval bounds how long a ConnChannel read waits for data.
const DefaultPollInterval = 5 * time.Millisecond

// ConnChannel adapts a net.Conn to ByteChannel using short read deadlines.
type ConnChannel struct {
	conn net.Conn
	poll time.Duration
}

func NewConnChannel(conn net.Conn) *ConnChannel {
	return &ConnChannel{conn: conn, poll: DefaultPollInterval}
}

func (c *ConnChannel) Read(p []byte) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.poll)); err != nil {
		return 0, err
	}
	n, err := c.conn.Read(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

// Write blocks until p is written completely.
func (c *ConnChannel) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := c.conn.Write(p[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *ConnChannel) Close() error {
	return c.conn.Close()
}

// Conn returns the wrapped connection.
func (c *ConnChannel) Conn() net.Conn {
	return c.conn
}

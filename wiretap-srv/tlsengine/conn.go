package tlsengine

import (
	"crypto/tls"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is a blocking net.Conn over a SecureChannel.
type Conn struct {
	raw     net.Conn
	channel *SecureChannel

	handshakeOnce sync.Once
	handshakeErr  error
	readDeadline  atomic.Value // time.Time
	writeDeadline atomic.Value // time.Time
}

// Server wraps raw with a server engine configured by config.
func Server(raw net.Conn, config *tls.Config) *Conn {
	return newConn(raw, NewServerEngine(config))
}

// Client wraps raw with a client engine configured by config.
func Client(raw net.Conn, config *tls.Config) *Conn {
	return newConn(raw, NewClientEngine(config))
}

func newConn(raw net.Conn, engine *Engine) *Conn {
	c := &Conn{
		raw:     raw,
		channel: NewSecureChannel(NewConnChannel(raw), engine),
	}
	c.readDeadline.Store(time.Time{})
	c.writeDeadline.Store(time.Time{})
	return c
}

// Handshake runs the handshake once; later calls return the first result.
func (c *Conn) Handshake() error {
	c.handshakeOnce.Do(func() {
		c.handshakeErr = c.channel.HandshakeWithDeadline(c.readDeadline.Load().(time.Time))
	})
	return c.handshakeErr
}

func expired(v *atomic.Value) bool {
	deadline := v.Load().(time.Time)
	return !deadline.IsZero() && time.Now().After(deadline)
}

func (c *Conn) Read(p []byte) (int, error) {
	if err := c.Handshake(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if expired(&c.readDeadline) {
			return 0, os.ErrDeadlineExceeded
		}
		n, err := c.channel.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := c.Handshake(); err != nil {
		return 0, err
	}
	written := 0
	for written < len(p) {
		if expired(&c.writeDeadline) {
			return written, os.ErrDeadlineExceeded
		}
		n, err := c.channel.Write(p[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Close sends close_notify and closes the underlying connection.
func (c *Conn) Close() error {
	return c.channel.Close()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.raw.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

func (c *Conn) SetDeadline(t time.Time) error {
	c.readDeadline.Store(t)
	c.writeDeadline.Store(t)
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.readDeadline.Store(t)
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.Store(t)
	return nil
}

// ConnectionState returns the negotiated TLS parameters.
func (c *Conn) ConnectionState() tls.ConnectionState {
	return c.channel.Engine().ConnectionState()
}

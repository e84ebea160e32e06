package tlsengine

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// maxLoopIterations bounds one driving loop so a misbehaving peer cannot spin it forever.
const maxLoopIterations = 64

// SecureChannel reads and writes plaintext over a ByteChannel carrying TLS
// records, resolving engine status after every wrap and unwrap.
type SecureChannel struct {
	mu      sync.Mutex
	channel ByteChannel
	engine  *Engine

	inApp  []byte // decrypted, not yet returned by Read
	outApp []byte // accepted by Write, not yet encrypted
	inNet  []byte // received ciphertext, not yet unwrapped
	outNet []byte // scratch for wrapped ciphertext

	appScratch []byte
	netScratch []byte

	last       Result
	peerClosed bool
	closed     bool
}

// NewSecureChannel binds engine to channel. Buffers are sized from the session hints.
func NewSecureChannel(channel ByteChannel, engine *Engine) *SecureChannel {
	session := engine.Session()
	return &SecureChannel{
		channel:    channel,
		engine:     engine,
		outApp:     make([]byte, 0, session.ApplicationBufferSize()),
		outNet:     make([]byte, session.PacketBufferSize()),
		appScratch: make([]byte, session.ApplicationBufferSize()),
		netScratch: make([]byte, session.PacketBufferSize()),
		last:       Result{HandshakeStatus: engine.HandshakeStatus()},
	}
}

// Engine returns the underlying record engine.
func (s *SecureChannel) Engine() *Engine {
	return s.engine
}

// Read copies decrypted bytes into dst. It returns (0, nil) when nothing is
// ready yet and io.EOF once the channel is closed and no data remains.
func (s *SecureChannel) Read(dst []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.inApp) == 0 {
		if s.closed {
			return 0, io.EOF
		}
		if err := s.pump(); err != nil {
			return 0, err
		}
	}

	if len(s.inApp) == 0 {
		if s.closed {
			return 0, io.EOF
		}
		if s.peerClosed {
			_ = s.closeChannel()
			return 0, io.EOF
		}
		return 0, nil
	}

	n := copy(dst, s.inApp)
	s.inApp = s.inApp[n:]
	if len(s.inApp) == 0 {
		s.inApp = nil
	}
	return n, nil
}

// Write accepts as much of src as fits into the outgoing plaintext buffer and
// encrypts and flushes it. Bytes that do not fit are left for a later call.
func (s *SecureChannel) Write(src []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, net.ErrClosed
	}

	n := min(len(src), cap(s.outApp)-len(s.outApp))
	s.outApp = append(s.outApp, src[:n]...)

	if err := s.flushWrites(); err != nil {
		return n, err
	}
	return n, nil
}

// Handshake pumps the channel until the engine finished its handshake.
func (s *SecureChannel) Handshake() error {
	return s.HandshakeWithDeadline(time.Time{})
}

// HandshakeWithDeadline is Handshake bounded by deadline; a zero deadline waits forever.
func (s *SecureChannel) HandshakeWithDeadline(deadline time.Time) error {
	for !s.engine.HandshakeComplete() {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("tls handshake: %w", os.ErrDeadlineExceeded)
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return io.EOF
		}
		err := s.pump()
		peerClosed := s.peerClosed
		s.mu.Unlock()
		if err != nil {
			return err
		}
		if peerClosed && !s.engine.HandshakeComplete() {
			return fmt.Errorf("tls handshake: %w", io.ErrUnexpectedEOF)
		}
	}
	return nil
}

// Close sends close_notify, flushes it and closes the channel. It is
// idempotent. Every path that marks the channel closed also stops the engine.
func (s *SecureChannel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.engine.CloseOutbound()
	// The peer may already be gone; close_notify is best effort.
	_ = s.sslLoop(s.wrapUntilDrained())
	return s.closeChannel()
}

// pump drains the channel into inNet, unwraps, resolves the handshake and
// flushes plaintext held back until the handshake completed.
// Caller holds s.mu.
func (s *SecureChannel) pump() error {
	if _, err := s.readChannel(); err != nil {
		return err
	}
	if err := s.unwrap(); err != nil {
		return err
	}
	if err := s.sslLoop(nil); err != nil {
		return err
	}
	if len(s.outApp) > 0 && s.engine.HandshakeComplete() && !s.closed {
		return s.flushWrites()
	}
	return nil
}

// readChannel appends whatever the channel has ready to inNet.
func (s *SecureChannel) readChannel() (int, error) {
	if s.peerClosed {
		return 0, nil
	}
	n, err := s.channel.Read(s.netScratch)
	if n > 0 {
		s.inNet = append(s.inNet, s.netScratch[:n]...)
	}
	if err == io.EOF {
		s.peerClosed = true
		return n, nil
	}
	return n, err
}

func (s *SecureChannel) unwrap() error {
	for {
		res, err := s.engine.Unwrap(s.inNet, s.appScratch)
		s.inNet = s.inNet[res.BytesConsumed:]
		if len(s.inNet) == 0 {
			s.inNet = nil
		}
		s.inApp = append(s.inApp, s.appScratch[:res.BytesProduced]...)
		s.last = res
		if err != nil {
			return err
		}
		if res.Status == StatusClosed {
			return s.closeChannel()
		}
		if res.BytesProduced == 0 {
			return nil
		}
	}
}

func (s *SecureChannel) wrap() (Result, error) {
	res, err := s.engine.Wrap(s.outApp, s.outNet)
	if res.BytesConsumed > 0 {
		// Compact so Write always sees the full buffer capacity.
		s.outApp = append(s.outApp[:0], s.outApp[res.BytesConsumed:]...)
	}
	s.last = res
	if res.BytesProduced > 0 {
		if _, werr := s.channel.Write(s.outNet[:res.BytesProduced]); werr != nil {
			return res, werr
		}
	}
	if err != nil {
		return res, err
	}
	if res.Status == StatusClosed {
		return res, s.closeChannel()
	}
	return res, nil
}

// wrapUntilDrained flushes every pending record, including close_notify.
func (s *SecureChannel) wrapUntilDrained() error {
	for i := 0; i < maxLoopIterations; i++ {
		res, err := s.wrap()
		if err != nil {
			return err
		}
		if res.BytesProduced == 0 || s.closed {
			return nil
		}
	}
	return nil
}

// flushWrites encrypts outApp until a wrap cycle neither consumes nor produces.
func (s *SecureChannel) flushWrites() error {
	for i := 0; i < maxLoopIterations && !s.closed; i++ {
		res, err := s.wrap()
		if err != nil {
			return err
		}
		if err := s.sslLoop(nil); err != nil {
			return err
		}
		if res.BytesConsumed == 0 && res.BytesProduced == 0 {
			return nil
		}
	}
	return nil
}

// sslLoop drives the engine until the handshake is finished or inactive.
// A non-nil prior error is returned unchanged.
func (s *SecureChannel) sslLoop(prior error) error {
	if prior != nil {
		return prior
	}
	for i := 0; i < maxLoopIterations && !s.closed; i++ {
		switch s.last.HandshakeStatus {
		case Finished, NotHandshaking:
			return nil
		case NeedTask:
			for task := s.engine.DelegatedTask(); task != nil; task = s.engine.DelegatedTask() {
				task()
			}
			fallthrough
		case NeedWrap:
			if _, err := s.wrap(); err != nil {
				return err
			}
		case NeedUnwrap:
			n, err := s.readChannel()
			if err != nil {
				return err
			}
			if n == 0 {
				// Nothing new from the peer; resume on the next read.
				return nil
			}
			if err := s.unwrap(); err != nil {
				return err
			}
		}
	}
	return nil
}

// closeChannel stops the engine and closes the underlying channel once.
// Caller holds s.mu.
func (s *SecureChannel) closeChannel() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.engine.CloseOutbound()
	return s.channel.Close()
}

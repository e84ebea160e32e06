// Package tlsengine turns crypto/tls into a socketless record engine driven by
// explicit wrap, unwrap and delegated-task steps, and layers a byte channel
// and a net.Conn on top of it.
package tlsengine

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Status is the outcome of a single Wrap or Unwrap call.
type Status int

const (
	StatusOK Status = iota
	StatusBufferOverflow
	StatusBufferUnderflow
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBufferOverflow:
		return "BUFFER_OVERFLOW"
	case StatusBufferUnderflow:
		return "BUFFER_UNDERFLOW"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// HandshakeStatus tells the caller what the engine needs next.
type HandshakeStatus int

const (
	NotHandshaking HandshakeStatus = iota
	// Finished is reported exactly once, by the first result after the handshake completed.
	Finished
	NeedTask
	NeedWrap
	NeedUnwrap
)

func (h HandshakeStatus) String() string {
	switch h {
	case NotHandshaking:
		return "NOT_HANDSHAKING"
	case Finished:
		return "FINISHED"
	case NeedTask:
		return "NEED_TASK"
	case NeedWrap:
		return "NEED_WRAP"
	case NeedUnwrap:
		return "NEED_UNWRAP"
	default:
		return "UNKNOWN"
	}
}

// Result describes what a Wrap or Unwrap call did.
type Result struct {
	Status          Status
	HandshakeStatus HandshakeStatus
	BytesConsumed   int
	BytesProduced   int
}

const (
	applicationBufferSize = 16384
	packetBufferSize      = 16709
)

// Session exposes buffer size hints for callers allocating wrap/unwrap buffers.
type Session struct{}

// ApplicationBufferSize is the largest plaintext fragment of one record.
func (Session) ApplicationBufferSize() int { return applicationBufferSize }

// PacketBufferSize is the largest ciphertext record including overhead.
func (Session) PacketBufferSize() int { return packetBufferSize }

var ErrEngineClosed = errors.New("tls engine closed")

// Engine performs a TLS handshake and record protection against in-memory
// buffers. Ciphertext enters through Unwrap and leaves through Wrap; the
// engine never touches a socket.
//
// A single driver goroutine runs the tls.Conn state machine. While it is busy
// processing input during the handshake the engine reports NeedTask, and the
// task returned by DelegatedTask waits for it to settle.
type Engine struct {
	mu   sync.Mutex
	cond *sync.Cond
	conn *tls.Conn

	inbound  []byte // ciphertext awaiting the driver
	outbound []byte // ciphertext awaiting Wrap
	plain    []byte // decrypted application data awaiting Unwrap

	startOnce        sync.Once
	waiting          bool // driver blocked for more inbound ciphertext
	driverDone       bool
	transportClosed  bool
	handshakeDone    bool
	finishedReported bool
	handshakeErr     error
	readErr          error
	outboundClosed   bool
}

// NewServerEngine creates an engine that answers handshakes with config.
func NewServerEngine(config *tls.Config) *Engine {
	e := newEngine()
	e.conn = tls.Server(&transport{e: e}, config)
	return e
}

// NewClientEngine creates an engine that initiates a handshake with config.
func NewClientEngine(config *tls.Config) *Engine {
	e := newEngine()
	e.conn = tls.Client(&transport{e: e}, config)
	return e
}

func newEngine() *Engine {
	e := &Engine{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Session returns buffer size hints.
func (e *Engine) Session() Session {
	return Session{}
}

// BeginHandshake starts the driver. Wrap, Unwrap and DelegatedTask call it implicitly.
func (e *Engine) BeginHandshake() {
	e.startOnce.Do(func() {
		go e.drive()
	})
}

func (e *Engine) drive() {
	err := e.conn.Handshake()

	e.mu.Lock()
	if err != nil {
		e.handshakeErr = err
		e.driverDone = true
		e.cond.Broadcast()
		e.mu.Unlock()
		return
	}
	e.handshakeDone = true
	e.cond.Broadcast()
	e.mu.Unlock()

	buf := make([]byte, applicationBufferSize)
	for {
		n, err := e.conn.Read(buf)
		e.mu.Lock()
		e.plain = append(e.plain, buf[:n]...)
		if err != nil {
			e.readErr = err
			e.driverDone = true
			e.cond.Broadcast()
			e.mu.Unlock()
			return
		}
		e.cond.Broadcast()
		e.mu.Unlock()
	}
}

// quiescent reports whether the driver has processed all fed ciphertext.
// Caller holds e.mu.
func (e *Engine) quiescent() bool {
	return e.driverDone || (e.waiting && len(e.inbound) == 0)
}

// status computes the handshake status for a result. Caller holds e.mu.
func (e *Engine) status(forResult bool) HandshakeStatus {
	if len(e.outbound) > 0 {
		return NeedWrap
	}
	if e.handshakeDone {
		if forResult && !e.finishedReported {
			e.finishedReported = true
			return Finished
		}
		return NotHandshaking
	}
	if e.driverDone {
		return NotHandshaking
	}
	if !e.quiescent() {
		return NeedTask
	}
	return NeedUnwrap
}

// HandshakeStatus reports what the engine needs next without consuming the
// one-time Finished notification.
func (e *Engine) HandshakeStatus() HandshakeStatus {
	e.BeginHandshake()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status(false)
}

// HandshakeComplete reports whether the handshake succeeded.
func (e *Engine) HandshakeComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handshakeDone
}

// DelegatedTask returns a task that blocks until the driver has settled, or
// nil when there is nothing to wait for.
func (e *Engine) DelegatedTask() func() {
	e.BeginHandshake()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handshakeDone || e.quiescent() {
		return nil
	}
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for !e.quiescent() && !e.handshakeDone {
			e.cond.Wait()
		}
	}
}

// Wrap flushes pending handshake or alert records into dst and, once the
// handshake is complete, encrypts up to one record of src.
func (e *Engine) Wrap(src, dst []byte) (Result, error) {
	e.BeginHandshake()

	e.mu.Lock()
	if len(e.outbound) > 0 {
		res := e.drainOutbound(dst)
		e.mu.Unlock()
		return res, nil
	}
	if e.outboundClosed || e.transportClosed {
		res := Result{Status: StatusClosed, HandshakeStatus: e.status(true)}
		e.mu.Unlock()
		return res, nil
	}
	if e.handshakeErr != nil {
		err := e.handshakeErr
		e.mu.Unlock()
		return Result{Status: StatusClosed, HandshakeStatus: NotHandshaking}, err
	}
	if !e.handshakeDone || len(src) == 0 {
		res := Result{Status: StatusOK, HandshakeStatus: e.status(true)}
		e.mu.Unlock()
		return res, nil
	}
	e.mu.Unlock()

	n := min(len(src), applicationBufferSize)
	if _, err := e.conn.Write(src[:n]); err != nil {
		return Result{Status: StatusClosed, HandshakeStatus: e.HandshakeStatus()}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	res := e.drainOutbound(dst)
	res.BytesConsumed = n
	return res, nil
}

// drainOutbound copies pending ciphertext into dst. Caller holds e.mu.
func (e *Engine) drainOutbound(dst []byte) Result {
	if len(dst) == 0 {
		return Result{Status: StatusBufferOverflow, HandshakeStatus: e.status(true)}
	}
	n := copy(dst, e.outbound)
	e.outbound = e.outbound[n:]
	if len(e.outbound) == 0 {
		e.outbound = nil
	}
	return Result{Status: StatusOK, HandshakeStatus: e.status(true), BytesProduced: n}
}

// Unwrap consumes all of src and copies available plaintext into dst. During
// the handshake it returns immediately and reports NeedTask while the driver
// processes the input; afterwards it waits for the driver to decrypt src.
func (e *Engine) Unwrap(src, dst []byte) (Result, error) {
	e.BeginHandshake()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.transportClosed && len(e.plain) == 0 {
		return Result{Status: StatusClosed, HandshakeStatus: e.status(true)}, nil
	}

	if len(src) > 0 {
		e.inbound = append(e.inbound, src...)
		e.cond.Broadcast()
	}

	if e.handshakeDone {
		for !e.quiescent() {
			e.cond.Wait()
		}
	}

	if e.handshakeErr != nil {
		return Result{Status: StatusClosed, HandshakeStatus: e.status(true), BytesConsumed: len(src)}, e.handshakeErr
	}

	res := Result{BytesConsumed: len(src)}
	if len(e.plain) > 0 {
		if len(dst) == 0 {
			res.Status = StatusBufferOverflow
			res.HandshakeStatus = e.status(true)
			return res, nil
		}
		res.BytesProduced = copy(dst, e.plain)
		e.plain = e.plain[res.BytesProduced:]
	}

	switch {
	case res.BytesProduced == 0 && e.readErr != nil && len(e.plain) == 0:
		res.Status = StatusClosed
		if !errors.Is(e.readErr, io.EOF) && !errors.Is(e.readErr, net.ErrClosed) {
			res.HandshakeStatus = e.status(true)
			return res, e.readErr
		}
	case res.BytesProduced == 0 && len(src) == 0 && e.quiescent():
		res.Status = StatusBufferUnderflow
	default:
		res.Status = StatusOK
	}
	res.HandshakeStatus = e.status(true)
	return res, nil
}

// CloseOutbound queues a close_notify alert (when the handshake completed)
// and stops the driver. Pending ciphertext stays available to Wrap.
func (e *Engine) CloseOutbound() {
	e.mu.Lock()
	if e.outboundClosed {
		e.mu.Unlock()
		return
	}
	e.outboundClosed = true
	e.mu.Unlock()

	// Close sends close_notify through the transport before closing it.
	_ = e.conn.Close()
}

// IsOutboundDone reports whether the engine will produce no more ciphertext.
func (e *Engine) IsOutboundDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return (e.outboundClosed || e.transportClosed) && len(e.outbound) == 0
}

// IsInboundDone reports whether the peer closed and all plaintext was consumed.
func (e *Engine) IsInboundDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return (e.readErr != nil || e.transportClosed) && len(e.plain) == 0
}

// ConnectionState returns the negotiated parameters.
func (e *Engine) ConnectionState() tls.ConnectionState {
	return e.conn.ConnectionState()
}

// transport is the net.Conn the tls.Conn believes it is talking to.
type transport struct {
	e *Engine
}

func (t *transport) Read(p []byte) (int, error) {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.inbound) == 0 && !e.transportClosed {
		e.waiting = true
		e.cond.Broadcast()
		e.cond.Wait()
	}
	e.waiting = false
	if e.transportClosed {
		return 0, io.EOF
	}
	n := copy(p, e.inbound)
	e.inbound = e.inbound[n:]
	if len(e.inbound) == 0 {
		e.inbound = nil
	}
	return n, nil
}

func (t *transport) Write(p []byte) (int, error) {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transportClosed {
		return 0, net.ErrClosed
	}
	e.outbound = append(e.outbound, p...)
	e.cond.Broadcast()
	return len(p), nil
}

func (t *transport) Close() error {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transportClosed = true
	e.cond.Broadcast()
	return nil
}

type engineAddr struct{}

func (engineAddr) Network() string { return "tlsengine" }
func (engineAddr) String() string { return "tlsengine" }

func (t *transport) LocalAddr() net.Addr { return engineAddr{} }
func (t *transport) RemoteAddr() net.Addr { return engineAddr{} }
func (t *transport) SetDeadline(time.Time) error { return nil }
func (t *transport) SetReadDeadline(time.Time) error { return nil }
func (t *transport) SetWriteDeadline(time.Time) error { return nil }

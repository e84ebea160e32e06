package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/codefionn/wiretap/wiretap-srv/logger"
	"github.com/codefionn/wiretap/wiretap-srv/message"
	"github.com/codefionn/wiretap/wiretap-srv/pipeline"
	"github.com/codefionn/wiretap/wiretap-srv/stats"
	"github.com/google/uuid"
)

// StatusHost is a host name that always addresses the status page.
const StatusHost = "wiretap.internal"

// connection drives one accepted client connection from parsing to close.
type connection struct {
	proxy   *Proxy
	conn    net.Conn
	reader  *bufio.Reader
	id      string
	started time.Time

	request  *message.Request
	response *message.Response
	closed   bool
}

func newConnection(p *Proxy, conn net.Conn) *connection {
	return &connection{
		proxy:   p,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		id:      uuid.NewString(),
		started: time.Now(),
	}
}

func (c *connection) logf(format string, v ...any) string {
	return logger.WithRequestID(c.id, format, v...)
}

// process runs the connection to completion and records exactly one outcome.
func (c *connection) process(ctx context.Context) {
	outcome := stats.Failure
	var procErr error
	defer func() {
		if r := recover(); r != nil {
			procErr = NewInternalError(ErrCodePanicRecovered, fmt.Errorf("%v", r))
			outcome = stats.Failure
			logger.Error("%s", c.logf("Panic while processing connection from %s: %v", c.conn.RemoteAddr(), r))
		}
		c.close()
		c.finish(outcome, procErr)
	}()
	outcome, procErr = c.run(ctx)
}

func (c *connection) run(ctx context.Context) (stats.Outcome, error) {
	req, err := c.parseRequest()
	if err != nil {
		logger.Error("%s", c.logf("Exception while parsing the request: %v", err))
		c.notify(func(h pipeline.Handler) { h.Failed(err) })
		return stats.Failure, err
	}
	c.request = req
	logger.Info("%s", c.logf("Request: %s", req.RawStartLine()))

	if c.isLocalRequest(req) {
		return c.serveStatusPage(ctx, req)
	}

	if req.Method == message.MethodConnect {
		return c.tunnel(ctx, req)
	}

	msg, result := pipeline.Run(c.proxy.registry.RequestProcessors(), req)
	if result == pipeline.Drop {
		logger.Debug("%s", c.logf("Request dropped by request pipeline"))
		return stats.Stopped, nil
	}
	processed, ok := msg.(*message.Request)
	if !ok {
		err := NewInternalError(ErrCodeProcessorResultInvalid, fmt.Errorf("request pipeline returned %T", msg))
		c.notify(func(h pipeline.Handler) { h.FailedRequest(req, err) })
		return stats.Failure, err
	}
	req = processed
	c.request = req
	c.notify(func(h pipeline.Handler) { h.ReceivedRequest(req) })

	resp, err := c.proxy.upstream.executeRequest(ctx, req)
	if err != nil {
		logger.Error("%s", c.logf("Exception while executing the request: %v", err))
		c.notify(func(h pipeline.Handler) { h.FailedRequest(req, err) })
		return stats.Failure, err
	}
	c.response = resp

	msg, result = pipeline.Run(c.proxy.registry.ResponseProcessors(), resp)
	if result == pipeline.Drop {
		logger.Debug("%s", c.logf("Response dropped by response pipeline"))
		return stats.Stopped, nil
	}
	processedResp, ok := msg.(*message.Response)
	if !ok {
		err := NewInternalError(ErrCodeProcessorResultInvalid, fmt.Errorf("response pipeline returned %T", msg))
		c.notify(func(h pipeline.Handler) { h.FailedResponse(resp, req, err) })
		return stats.Failure, err
	}
	resp = processedResp
	c.response = resp
	c.notify(func(h pipeline.Handler) { h.ReceivedResponse(resp, req) })

	if err := c.writeResponse(resp); err != nil {
		logger.Error("%s", c.logf("Exception while returning the response: %v", err))
		c.notify(func(h pipeline.Handler) { h.FailedResponse(resp, req, err) })
		return stats.Failure, err
	}
	return stats.Success, nil
}

func (c *connection) notify(fn func(pipeline.Handler)) {
	handlers := c.proxy.registry.Handlers()
	if len(handlers) == 0 {
		logger.Trace("%s", c.logf("No handlers registered, continuing"))
		return
	}
	for _, h := range handlers {
		fn(h)
	}
}

// isLocalRequest reports whether req targets the proxy itself.
func (c *connection) isLocalRequest(req *message.Request) bool {
	if !c.proxy.registry.StatusPageEnabled() || req.ToHost == "" {
		return false
	}
	if strings.EqualFold(req.ToHost, StatusHost) {
		return true
	}

	local, ok := c.conn.LocalAddr().(*net.TCPAddr)
	if !ok || req.ToPort != local.Port {
		return false
	}
	if ip := net.ParseIP(req.ToHost); ip != nil {
		if ip.Equal(local.IP) {
			return true
		}
		return ip.IsLoopback() && (local.IP.IsLoopback() || local.IP.IsUnspecified())
	}
	if strings.EqualFold(req.ToHost, "localhost") {
		return true
	}
	hostname, err := os.Hostname()
	return err == nil && strings.HasPrefix(strings.ToLower(hostname), strings.ToLower(req.ToHost))
}

// writeResponse serializes resp in the proxy's wire version and writes it.
func (c *connection) writeResponse(resp *message.Response) error {
	return c.write(resp.Marshal(message.DefaultVersion))
}

// write sends data in send-buffer sized chunks with a short pause between
// chunks so slow clients are not flooded.
func (c *connection) write(data []byte) error {
	if tcp, ok := c.conn.(*net.TCPConn); ok {
		if err := tcp.SetWriteBuffer(SendBufferSize); err != nil {
			logger.Debug("%s", c.logf("Could not set send buffer size: %v", err))
		}
	}
	for offset := 0; offset < len(data); {
		end := min(offset+SendBufferSize, len(data))
		logger.Trace("%s", c.logf("Remaining: %d WriteSize: %d", len(data)-offset, end-offset))
		if _, err := c.conn.Write(data[offset:end]); err != nil {
			return NewWriteError(err)
		}
		offset = end
		if offset < len(data) && c.proxy.chunkDelay > 0 {
			time.Sleep(c.proxy.chunkDelay)
		}
	}
	return nil
}

func (c *connection) close() {
	if c.closed {
		return
	}
	c.closed = true
	if err := c.conn.Close(); err != nil && !isClosedConnError(err) {
		logger.Debug("%s", c.logf("Error closing client connection: %v", err))
	}
}

// finish records the outcome into the statistics and the journal.
func (c *connection) finish(outcome stats.Outcome, err error) {
	duration := time.Since(c.started)
	c.proxy.statistics.Record(outcome, duration.Seconds())

	tx := stats.Transaction{
		ID:         c.id,
		StartedAt:  c.started,
		Duration:   duration,
		Outcome:    outcome,
		ClientAddr: c.conn.RemoteAddr().String(),
	}
	if c.request != nil {
		tx.Method = string(c.request.Method)
		tx.Target = c.request.ToAddr()
		if c.request.Method != message.MethodConnect {
			tx.Target = c.request.TargetURL().String()
		}
		tx.RequestBytes = int64(len(c.request.Body()))
	}
	if c.response != nil {
		tx.StatusCode = c.response.StatusCode
		tx.ResponseBytes = int64(len(c.response.Body()))
	}
	if err != nil {
		tx.Error = err.Error()
	}
	if recErr := c.proxy.journal.RecordTransaction(context.Background(), tx); recErr != nil {
		logger.Error("%s", c.logf("Failed to record transaction: %v", recErr))
	}
	logger.Debug("%s", c.logf("Transaction finished: %s in %.3fs", outcome, duration.Seconds()))
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

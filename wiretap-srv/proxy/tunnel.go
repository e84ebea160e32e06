package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/codefionn/wiretap/wiretap-srv/config"
	"github.com/codefionn/wiretap/wiretap-srv/logger"
	"github.com/codefionn/wiretap/wiretap-srv/message"
	"github.com/codefionn/wiretap/wiretap-srv/stats"
	"github.com/codefionn/wiretap/wiretap-srv/tlsengine"
)

// proxyAgent identifies the proxy in CONNECT replies and towards parent proxies.
const proxyAgent = "WPG-RecordingProxy/1.0"

const connectEstablished = "HTTP/1.0 200 Connection established\r\nProxy-agent: " + proxyAgent + "\r\n\r\n"

// tunnel answers a CONNECT request and relays bytes between the client and
// the target until either side closes. With the terminate mode the client's
// TLS session ends at the proxy and a second session is opened to the target.
func (c *connection) tunnel(ctx context.Context, req *message.Request) (stats.Outcome, error) {
	identity := c.proxy.registry.Identity()
	if identity == nil {
		err := NewTLSNotEnabledError()
		logger.Warn("%s", c.logf("CONNECT to %s refused: %v", req.ToAddr(), err))
		c.rejectTunnel(err)
		return stats.Failure, err
	}

	target := req.ToAddr()
	upstreamConn, err := c.proxy.upstream.dial(ctx, target)
	if err != nil {
		setupErr := NewTLSSetupError(ErrCodeUpstreamConnectFailed, err)
		logger.Error("%s", c.logf("Failed to connect tunnel target %s: %v", target, err))
		c.rejectTunnel(setupErr)
		return stats.Failure, setupErr
	}

	var clientSide net.Conn = &bufferedConn{Conn: c.conn, reader: c.reader}
	var targetSide net.Conn = upstreamConn
	if c.proxy.tlsMode == config.TLSModeTerminate {
		targetTLS := tls.Client(upstreamConn, &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // the proxy inspects traffic, the client validates nothing past it
			ServerName:         req.ToHost,
		})
		if err := targetTLS.HandshakeContext(ctx); err != nil {
			_ = upstreamConn.Close()
			setupErr := NewTLSSetupError(ErrCodeTLSUpstreamFailed, err)
			logger.Error("%s", c.logf("TLS handshake with %s failed: %v", target, err))
			c.rejectTunnel(setupErr)
			return stats.Failure, setupErr
		}
		targetSide = targetTLS
		clientSide = tlsengine.Server(clientSide, &tls.Config{Certificates: []tls.Certificate{*identity}})
	}

	if _, err := io.WriteString(c.conn, connectEstablished); err != nil {
		_ = targetSide.Close()
		return stats.Failure, NewWriteError(err)
	}
	logger.Debug("%s", c.logf("Tunnel established to %s (%s)", target, c.proxy.tlsMode))

	var wg sync.WaitGroup
	wg.Add(2)
	go c.relay(&wg, "client->target", targetSide, clientSide)
	go c.relay(&wg, "target->client", clientSide, targetSide)
	wg.Wait()

	logger.Debug("%s", c.logf("Tunnel to %s closed", target))
	return stats.Success, nil
}

// relay copies src to dst until either fails, then closes both.
func (c *connection) relay(wg *sync.WaitGroup, direction string, dst, src net.Conn) {
	defer wg.Done()
	defer func() {
		if err := src.Close(); err != nil && !isClosedConnError(err) {
			logger.Trace("%s", c.logf("%s: closing input: %v", direction, err))
		}
		if err := dst.Close(); err != nil && !isClosedConnError(err) {
			logger.Trace("%s", c.logf("%s: closing output: %v", direction, err))
		}
	}()

	n, err := copyChunks(dst, src)
	if err != nil && !isClosedConnError(err) && !errors.Is(err, io.ErrClosedPipe) {
		logger.Debug("%s", c.logf("%s relay ended after %d bytes: %v", direction, n, err))
		return
	}
	logger.Trace("%s", c.logf("%s relay finished after %d bytes", direction, n))
}

// rejectTunnel writes the synthetic 500 reply for a failed CONNECT.
func (c *connection) rejectTunnel(err error) {
	reason := err.Error()
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		reason = proxyErr.Description
	}
	reply := fmt.Sprintf("HTTP/1.0 500 Error %s\r\nProxy-agent: %s\r\n\r\n", reason, proxyAgent)
	if writeErr := c.write([]byte(reply)); writeErr != nil {
		logger.Debug("%s", c.logf("Could not send CONNECT error reply: %v", writeErr))
	}
}

package proxy

import (
	"bytes"
	"context"
	"net/http/httputil"

	"github.com/codefionn/wiretap/wiretap-srv/dashboard"
	"github.com/codefionn/wiretap/wiretap-srv/logger"
	"github.com/codefionn/wiretap/wiretap-srv/message"
	"github.com/codefionn/wiretap/wiretap-srv/stats"
)

const statusPageHeader = "HTTP/1.0 200 OK\r\n" +
	"Server: WPG-Proxy/1.0\r\n" +
	"cache-control: no-store, no-cache, must-revalidate, post-check=0, pre-check=0\r\n" +
	"pragma: no-cache\r\n" +
	"connection: close\r\n" +
	"transfer-encoding: chunked\r\n" +
	"content-type: text/html\r\n" +
	"\r\n"

// serveStatusPage answers a request addressed to the proxy itself with the
// statistics page. The pipeline and upstream are never involved.
func (c *connection) serveStatusPage(ctx context.Context, req *message.Request) (stats.Outcome, error) {
	if err := c.proxy.guard.Authorize(req.Header("authorization")); err != nil {
		logger.Warn("%s", c.logf("Status page request from %s rejected: %v", req.FromHost, err))
		resp := message.NewResponse(401, "Unauthorized")
		resp.AddHeader("Server", "WPG-Proxy/1.0")
		resp.AddHeader("WWW-Authenticate", "Bearer")
		resp.AddHeader("connection", "close")
		resp.AddToBody([]byte("401 Unauthorized\r\n"))
		c.response = resp
		if writeErr := c.writeResponse(resp); writeErr != nil {
			return stats.Failure, writeErr
		}
		return stats.Stopped, nil
	}

	var buf bytes.Buffer
	buf.WriteString(statusPageHeader)
	chunked := httputil.NewChunkedWriter(&buf)
	page := dashboard.StatusPage(c.proxy.statistics.Snapshot(), c.proxy.registry.Counts())
	if err := page.Render(ctx, chunked); err != nil {
		err = NewInternalError(ErrCodeInternalError, err)
		logger.Error("%s", c.logf("Exception while returning statistics web page: %v", err))
		return stats.Failure, err
	}
	if err := chunked.Close(); err != nil {
		return stats.Failure, NewInternalError(ErrCodeInternalError, err)
	}
	buf.WriteString("\r\n")

	logger.Debug("%s", c.logf("Serving status page to %s", req.FromHost))
	if err := c.write(buf.Bytes()); err != nil {
		logger.Error("%s", c.logf("Exception while returning statistics web page: %v", err))
		return stats.Failure, err
	}
	return stats.Success, nil
}

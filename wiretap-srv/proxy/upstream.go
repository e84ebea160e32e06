package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/codefionn/wiretap/wiretap-srv/config"
	"github.com/codefionn/wiretap/wiretap-srv/logger"
	"github.com/codefionn/wiretap/wiretap-srv/message"
	"golang.org/x/net/proxy"
)

// skippedRequestHeaders are never copied onto the upstream request. Compressed
// responses are not supported, so accept-encoding is not forwarded; the rest
// are managed by the HTTP client.
var skippedRequestHeaders = map[string]bool{
	"accept-encoding":   true,
	"host":              true,
	"content-length":    true,
	"connection":        true,
	"proxy-connection":  true,
	"keep-alive":        true,
	"transfer-encoding": true,
}

// upstream issues requests to origin servers and opens tunnel connections,
// applying the configured forward rules to both.
type upstream struct {
	forwards []config.Forward
	timeout  time.Duration
	client   *http.Client
}

func newUpstream(cfg *config.Config) *upstream {
	u := &upstream{
		forwards: cfg.Forwards,
		timeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
	u.client = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				logger.Debug("DialContext: network=%s addr=%s", network, addr)
				return u.dial(ctx, addr)
			},
			Proxy:              nil,
			DisableKeepAlives:  true,
			DisableCompression: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return u
}

// close releases idle upstream connections.
func (u *upstream) close() {
	u.client.CloseIdleConnections()
}

func (u *upstream) selectForward(host string) config.Forward {
	for i, fwd := range u.forwards {
		if fwd.Matches(host) {
			logger.Debug("Matched forward[%d] type %T for %s", i, fwd, host)
			return fwd
		}
	}
	return nil
}

// dial establishes a TCP connection to addr, directly or through the first
// matching forward rule.
func (u *upstream) dial(ctx context.Context, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, NewProxyError(ErrCodeInvalidAddress, GetErrorDescription(ErrCodeInvalidAddress), err)
	}

	dialer := &net.Dialer{Timeout: u.timeout}
	selected := u.selectForward(host)

	switch fwd := selected.(type) {
	case nil:
		logger.Debug("No matching forward rule, using direct connection for %s", addr)
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, NewProxyError(ErrCodeDialFailed, GetErrorDescription(ErrCodeDialFailed), fmt.Errorf("direct dial to %s: %w", addr, err))
		}
		return conn, nil
	case *config.ForwardDefaultNetwork:
		network := "tcp"
		if fwd.ForceIPv4 {
			network = "tcp4"
			dialer.FallbackDelay = -1
		}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, NewProxyError(ErrCodeDialFailed, GetErrorDescription(ErrCodeDialFailed), fmt.Errorf("default network dial to %s: %w", addr, err))
		}
		return conn, nil
	case *config.ForwardSocks5:
		logger.Debug("Using SOCKS5 forward (%s) for %s", fwd.Address, addr)
		return dialSocks5(ctx, dialer, fwd, addr)
	case *config.ForwardProxy:
		logger.Debug("Using proxy forward (%s) for %s", fwd.Address, addr)
		return dialHTTPProxy(ctx, dialer, fwd, addr)
	default:
		return nil, NewInternalError(ErrCodeUnknownForwardType, fmt.Errorf("forward type %T selected for %s", selected, addr))
	}
}

// dialSocks5 establishes a connection to the target via a SOCKS5 proxy
func dialSocks5(ctx context.Context, dialer *net.Dialer, fwd *config.ForwardSocks5, target string) (net.Conn, error) {
	var auth *proxy.Auth
	if fwd.Username != nil {
		auth = &proxy.Auth{User: *fwd.Username}
		if fwd.Password != nil {
			auth.Password = *fwd.Password
		}
	}

	network := "tcp"
	if fwd.ForceIPv4 {
		network = "tcp4"
		dialer.FallbackDelay = -1
	}

	socksDialer, err := proxy.SOCKS5(network, fwd.Address, auth, dialer)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: %w", fwd.Address, err))
	}

	var conn net.Conn
	if ctxDialer, ok := socksDialer.(proxy.ContextDialer); ok {
		conn, err = ctxDialer.DialContext(ctx, network, target)
	} else {
		conn, err = socksDialer.Dial(network, target)
	}
	if err != nil {
		return nil, NewProxyChainError(ErrCodeSOCKS5ConnectFailed, fmt.Errorf("target %s via SOCKS5 proxy %s: %w", target, fwd.Address, err))
	}
	return conn, nil
}

// dialHTTPProxy establishes a connection to the target through a parent
// proxy using CONNECT.
func dialHTTPProxy(ctx context.Context, dialer *net.Dialer, fwd *config.ForwardProxy, target string) (net.Conn, error) {
	network := "tcp"
	if fwd.ForceIPv4 {
		network = "tcp4"
		dialer.FallbackDelay = -1
	}
	proxyConn, err := dialer.DialContext(ctx, network, fwd.Address)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeHTTPProxyDialFailed, fmt.Errorf("proxy server %s: %w", fwd.Address, err))
	}

	fail := func(code string, cause error) (net.Conn, error) {
		if closeErr := proxyConn.Close(); closeErr != nil {
			logger.Error("Error closing proxy connection: %v", closeErr)
		}
		return nil, NewProxyChainError(code, cause)
	}

	connectReq, err := http.NewRequestWithContext(ctx, http.MethodConnect, "http://"+target, http.NoBody)
	if err != nil {
		return fail(ErrCodeCONNECTRequestFailed, fmt.Errorf("creating for target %s: %w", target, err))
	}
	connectReq.Host = target
	connectReq.Header.Set("User-Agent", proxyAgent)
	if fwd.Username != nil && fwd.Password != nil {
		credentials := base64.StdEncoding.EncodeToString([]byte(*fwd.Username + ":" + *fwd.Password))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+credentials)
	} else if fwd.Username != nil {
		logger.Warn("Proxy username provided without password for %s", fwd.Address)
	}

	if err := connectReq.Write(proxyConn); err != nil {
		return fail(ErrCodeCONNECTRequestFailed, fmt.Errorf("sending to proxy %s: %w", fwd.Address, err))
	}

	reader := bufio.NewReader(proxyConn)
	connectResp, err := http.ReadResponse(reader, connectReq)
	if err != nil {
		return fail(ErrCodeCONNECTResponseFailed, fmt.Errorf("reading from proxy %s: %w", fwd.Address, err))
	}
	defer func() {
		if closeErr := connectResp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if connectResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(connectResp.Body, 512))
		return fail(ErrCodeProxyDenied, fmt.Errorf("proxy %s denied CONNECT to %s with status %s: %s", fwd.Address, target, connectResp.Status, body))
	}

	logger.Debug("CONNECT tunnel established via proxy %s to %s", fwd.Address, target)
	if reader.Buffered() > 0 {
		return &bufferedConn{Conn: proxyConn, reader: reader}, nil
	}
	return proxyConn, nil
}

// executeRequest sends req to its origin and reads the complete response.
func (u *upstream) executeRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	target := req.TargetURL()
	logger.Debug("Opening connection to: %s", target)

	var body io.Reader = http.NoBody
	if len(req.Body()) > 0 {
		body = bytes.NewReader(req.Body())
	}
	outgoing, err := http.NewRequestWithContext(ctx, string(req.Method), target.String(), body)
	if err != nil {
		return nil, NewUpstreamError(ErrCodeHTTPForwardFailed, err)
	}
	outgoing.Host = target.Host

	for _, key := range req.Headers().Keys() {
		if skippedRequestHeaders[key] {
			if key == "accept-encoding" {
				logger.Debug("Ignoring Accept-Encoding header")
			}
			continue
		}
		outgoing.Header.Set(key, req.Header(key))
	}

	incoming, err := u.client.Do(outgoing)
	if err != nil {
		return nil, NewUpstreamError(ErrCodeUpstreamConnectFailed, err)
	}
	defer func() {
		if closeErr := incoming.Body.Close(); closeErr != nil {
			logger.Error("Error closing upstream response body: %v", closeErr)
		}
	}()

	resp := message.NewResponse(incoming.StatusCode, http.StatusText(incoming.StatusCode))
	startLine := fmt.Sprintf("HTTP/%d.%d %s", incoming.ProtoMajor, incoming.ProtoMinor, incoming.Status)
	if err := resp.SetStartLine(startLine); err != nil {
		logger.Debug("Keeping status %d for unparsable status line %q: %v", incoming.StatusCode, startLine, err)
	}
	logger.Debug("Response: %s", resp.StartLine())

	keys := make([]string, 0, len(incoming.Header))
	for key := range incoming.Header {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, value := range incoming.Header[key] {
			resp.AddHeader(key, value)
		}
	}
	resp.ToHost, resp.ToPort = req.FromHost, req.FromPort
	resp.FromHost, resp.FromPort = req.ToHost, req.ToPort

	data, err := io.ReadAll(incoming.Body)
	if err != nil {
		return nil, NewUpstreamError(ErrCodeHTTPResponseReadFailed, err)
	}
	if len(data) > 0 {
		resp.AddToBody(data)
	}
	logger.Debug("Read %d body bytes from %s", len(data), target)
	return resp, nil
}

// bufferedConn serves bytes already read into reader before reading the connection again.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	go_socks5 "github.com/armon/go-socks5"
	"github.com/codefionn/wiretap/wiretap-srv/config"
	"github.com/codefionn/wiretap/wiretap-srv/message"
	"github.com/codefionn/wiretap/wiretap-srv/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestSelectForward(t *testing.T) {
	socks := &config.ForwardSocks5{ForwardRule: config.ForwardRule{Domains: []string{"example.com"}}, Address: "127.0.0.1:1080"}
	parent := &config.ForwardProxy{ForwardRule: config.ForwardRule{Domains: []string{"example.org"}}, Address: "127.0.0.1:3128"}
	fallback := &config.ForwardDefaultNetwork{}

	cfg := testConfig()
	cfg.Forwards = []config.Forward{socks, parent, fallback}
	u := newUpstream(cfg)
	defer u.close()

	assert.Same(t, socks, u.selectForward("example.com"))
	assert.Same(t, socks, u.selectForward("api.example.com"))
	assert.Same(t, parent, u.selectForward("www.example.org"))
	assert.Same(t, fallback, u.selectForward("other.net"))

	cfg.Forwards = nil
	assert.Nil(t, newUpstream(cfg).selectForward("example.com"))
}

func TestDialInvalidAddress(t *testing.T) {
	u := newUpstream(testConfig())
	defer u.close()
	_, err := u.dial(context.Background(), "no-port")
	var proxyErr *Error
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, ErrCodeInvalidAddress, proxyErr.Code)
	assert.True(t, IsConnectionError(err))
}

func TestDialDefaultNetworkForceIPv4(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		if conn, err := ln.Accept(); err == nil {
			_ = conn.Close()
		}
	}()

	cfg := testConfig()
	cfg.Forwards = []config.Forward{&config.ForwardDefaultNetwork{ForwardRule: config.ForwardRule{ForceIPv4: true}}}
	u := newUpstream(cfg)
	defer u.close()

	conn, err := u.dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, "tcp", conn.RemoteAddr().Network())
	require.NoError(t, conn.Close())
	<-accepted
}

func TestExecuteRequestCopiesResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.Header().Set("Location", "/elsewhere")
		w.WriteHeader(http.StatusFound)
	}))
	defer upstream.Close()

	u := newUpstream(testConfig())
	defer u.close()

	req, err := message.NewRequest(message.MethodGet, upstream.URL+"/start")
	require.NoError(t, err)
	req.FromHost, req.FromPort = "10.0.0.1", 5555

	resp, err := u.executeRequest(context.Background(), req)
	require.NoError(t, err)

	// Redirects are handed to the client, not followed.
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "Found", resp.ReasonPhrase)
	assert.Equal(t, "1.1", resp.Version)
	assert.Equal(t, "/elsewhere", resp.Header("location"))
	assert.Equal(t, []string{"a=1", "b=2"}, resp.Headers().Values("set-cookie"))
	assert.Equal(t, "10.0.0.1", resp.ToHost)
	assert.Equal(t, 5555, resp.ToPort)
	assert.Equal(t, req.ToHost, resp.FromHost)
	assert.Equal(t, req.ToPort, resp.FromPort)
}

func TestForwardThroughSocks5(t *testing.T) {
	var dials atomic.Int32
	socksServer, err := go_socks5.New(&go_socks5.Config{
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials.Add(1)
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = socksServer.Serve(ln)
	}()
	defer func() {
		_ = ln.Close()
		<-served
	}()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "from-backend")
	}))
	defer backend.Close()

	cfg := testConfig()
	cfg.Forwards = []config.Forward{
		&config.ForwardSocks5{
			ForwardRule: config.ForwardRule{Domains: []string{"127.0.0.1"}},
			Address:     ln.Addr().String(),
		},
	}
	p := startProxy(t, cfg, nil)

	resp := roundTrip(t, p.Addr(), "GET / HTTP/1.0\r\nHost: "+hostOf(t, backend.URL)+"\r\n\r\n")
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.0 200 OK\r\n"), resp)
	assert.True(t, strings.HasSuffix(resp, "\r\n\r\nfrom-backend"), resp)
	assert.Equal(t, int32(1), dials.Load())
	waitForTotal(t, p.Statistics(), 1)
}

func TestForwardThroughSocks5Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Forwards = []config.Forward{
		&config.ForwardSocks5{Address: "127.0.0.1:" + strconv.Itoa(freePort(t)), Username: strPtr("user"), Password: strPtr("pass")},
	}
	u := newUpstream(cfg)
	defer u.close()

	_, err := u.dial(context.Background(), "127.0.0.1:80")
	require.Error(t, err)
	assert.True(t, IsProxyChainError(err))
}

func TestForwardThroughParentProxy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "via-parent")
	}))
	defer backend.Close()

	// The parent is a second proxy relaying CONNECT tunnels verbatim.
	parentCfg := testConfig()
	parentCfg.TLS.Mode = config.TLSModePassthrough
	parentRegistry := pipeline.NewRegistry()
	parentRegistry.SetIdentity(selfSignedIdentity(t))
	parent := startProxy(t, parentCfg, parentRegistry)

	cfg := testConfig()
	cfg.Forwards = []config.Forward{
		&config.ForwardProxy{Address: parent.Addr().String(), Username: strPtr("user"), Password: strPtr("pass")},
	}
	p := startProxy(t, cfg, nil)

	resp := roundTrip(t, p.Addr(), "GET / HTTP/1.0\r\nHost: "+hostOf(t, backend.URL)+"\r\n\r\n")
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.0 200 OK\r\n"), resp)
	assert.True(t, strings.HasSuffix(resp, "\r\n\r\nvia-parent"), resp)

	waitForTotal(t, p.Statistics(), 1)
	snap := waitForTotal(t, parent.Statistics(), 1)
	assert.Equal(t, int64(1), snap.Success)
}

func TestForwardParentProxyDenies(t *testing.T) {
	// A parent without identity answers CONNECT with 500.
	parent := startProxy(t, testConfig(), nil)

	cfg := testConfig()
	cfg.Forwards = []config.Forward{&config.ForwardProxy{Address: parent.Addr().String()}}
	u := newUpstream(cfg)
	defer u.close()

	_, err := u.dial(context.Background(), "127.0.0.1:80")
	var proxyErr *Error
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, ErrCodeProxyDenied, proxyErr.Code)
	waitForTotal(t, parent.Statistics(), 1)
}

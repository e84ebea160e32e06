package proxy

import (
	"crypto/tls"
	"io"
	"net"
	"net/http/httputil"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/wiretap/wiretap-srv/dashboard"
	"github.com/codefionn/wiretap/wiretap-srv/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// splitStatusPage separates the raw header block from the decoded chunked body.
func splitStatusPage(t *testing.T, resp string) (string, string) {
	t.Helper()
	head, rawBody, ok := strings.Cut(resp, "\r\n\r\n")
	require.True(t, ok, resp)
	body, err := io.ReadAll(httputil.NewChunkedReader(strings.NewReader(rawBody)))
	require.NoError(t, err)
	return head + "\r\n\r\n", string(body)
}

func TestStatusPageByStatusHost(t *testing.T) {
	registry := pipeline.NewRegistry()
	registry.AddRequestProcessor(pipeline.NewBlocklistProcessor(nil))
	registry.AddHandler(pipeline.LogHandler{})
	cfg := testConfig()
	cfg.StatusPage.Title = "Test Proxy"
	p := startProxy(t, cfg, registry)

	resp := roundTrip(t, p.Addr(), "GET http://"+StatusHost+"/ HTTP/1.0\r\n\r\n")
	head, body := splitStatusPage(t, resp)

	assert.Equal(t, statusPageHeader, head)
	assert.Contains(t, body, "<title>Test Proxy</title>")
	assert.Contains(t, body, "Number of Transactions Processed Total: <b>0</b>")
	assert.Contains(t, body, "Request Processors Registered: <b>1</b>")
	assert.Contains(t, body, "Message Handlers Registered: <b>1</b>")
	assert.Contains(t, body, "Response Processors Registered: <b>0</b>")
	assert.True(t, strings.HasSuffix(resp, "\r\n0\r\n\r\n"), "chunked body must be terminated")

	snap := waitForTotal(t, p.Statistics(), 1)
	assert.Equal(t, int64(1), snap.Success)

	// The second page reports the first transaction.
	_, body = splitStatusPage(t, roundTrip(t, p.Addr(), "GET http://"+StatusHost+"/ HTTP/1.0\r\n\r\n"))
	assert.Contains(t, body, "Completed Successfully: <b>1</b>")
}

func TestStatusPageByListenerAddress(t *testing.T) {
	p := startProxy(t, testConfig(), nil)
	port := strconv.Itoa(p.Addr().(*net.TCPAddr).Port)

	for _, host := range []string{"127.0.0.1:" + port, "localhost:" + port} {
		resp := roundTrip(t, p.Addr(), "GET / HTTP/1.0\r\nHost: "+host+"\r\n\r\n")
		assert.True(t, strings.HasPrefix(resp, "HTTP/1.0 200 OK\r\nServer: WPG-Proxy/1.0\r\n"), resp)
	}
	waitForTotal(t, p.Statistics(), 2)
}

func TestStatusPageDisabled(t *testing.T) {
	registry := pipeline.NewRegistry()
	registry.SetStatusPageEnabled(false)
	registry.AddRequestProcessor(pipeline.NewBlocklistProcessor([]string{StatusHost}))
	p := startProxy(t, testConfig(), registry)

	// Without the status page the request runs through the pipeline.
	resp := roundTrip(t, p.Addr(), "GET http://"+StatusHost+"/ HTTP/1.0\r\n\r\n")
	assert.Empty(t, resp)
	snap := waitForTotal(t, p.Statistics(), 1)
	assert.Equal(t, int64(1), snap.Stopped)
}

func TestStatusPageGuard(t *testing.T) {
	cfg := testConfig()
	cfg.StatusPage.JWTSecret = "status-secret"
	p := startProxy(t, cfg, nil)

	resp := roundTrip(t, p.Addr(), "GET http://"+StatusHost+"/ HTTP/1.0\r\n\r\n")
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.0 401 Unauthorized\r\n"), resp)
	assert.Contains(t, resp, "\r\nwww-authenticate: Bearer\r\n")
	snap := waitForTotal(t, p.Statistics(), 1)
	assert.Equal(t, int64(1), snap.Stopped)

	wrong, err := dashboard.MintToken("other-secret", "tester", time.Minute)
	require.NoError(t, err)
	resp = roundTrip(t, p.Addr(), "GET http://"+StatusHost+"/ HTTP/1.0\r\nAuthorization: Bearer "+wrong+"\r\n\r\n")
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.0 401 Unauthorized\r\n"), resp)
	waitForTotal(t, p.Statistics(), 2)

	token, err := dashboard.MintToken("status-secret", "tester", time.Minute)
	require.NoError(t, err)
	resp = roundTrip(t, p.Addr(), "GET http://"+StatusHost+"/ HTTP/1.0\r\nAuthorization: Bearer "+token+"\r\n\r\n")
	_, body := splitStatusPage(t, resp)
	assert.Contains(t, body, "Stopped Due to Processor: <b>2</b>")

	snap = waitForTotal(t, p.Statistics(), 3)
	assert.Equal(t, int64(1), snap.Success)
}

func TestSecureListenerServesStatusPage(t *testing.T) {
	cfg := testConfig()
	cfg.SecurePort = freePort(t)
	registry := pipeline.NewRegistry()
	registry.SetIdentity(selfSignedIdentity(t))
	p := startProxy(t, cfg, registry)
	require.NotNil(t, p.SecureAddr())

	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 5 * time.Second}, "tcp", p.SecureAddr().String(),
		&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // self-signed test identity
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	_, err = io.WriteString(conn, "GET http://"+StatusHost+"/ HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	// A missing close_notify only surfaces as an error after the data.
	data, _ := io.ReadAll(conn)

	_, body := splitStatusPage(t, string(data))
	assert.Contains(t, body, "Number of Transactions Processed Total")
	waitForTotal(t, p.Statistics(), 1)
}

package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMethod(t *testing.T) {
	for _, m := range []string{"CONNECT", "DELETE", "GET", "HEAD", "OPTIONS", "POST", "PUT", "TRACE"} {
		got, err := ParseMethod(m)
		require.NoError(t, err)
		assert.Equal(t, Method(m), got)
	}
	_, err := ParseMethod("PATCH")
	assert.ErrorIs(t, err, ErrUnknownMethod)
	_, err = ParseMethod("get")
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestSetURIPropagatesTarget(t *testing.T) {
	r, err := NewRequest(MethodGet, "http://example.com/x?y=1#frag")
	require.NoError(t, err)
	assert.Equal(t, "example.com", r.ToHost)
	assert.Equal(t, 80, r.ToPort)
	assert.Equal(t, "GET /x?y=1#frag HTTP/1.0", r.StartLine())

	r, err = NewRequest(MethodGet, "https://secure.example.com/")
	require.NoError(t, err)
	assert.Equal(t, 443, r.ToPort)

	r, err = NewRequest(MethodPost, "http://example.com:8081")
	require.NoError(t, err)
	assert.Equal(t, 8081, r.ToPort)
	assert.Equal(t, "POST / HTTP/1.0", r.StartLine())
}

func TestConnectAuthorityForm(t *testing.T) {
	r, err := NewRequest(MethodConnect, "secure.example.com:443")
	require.NoError(t, err)
	assert.Equal(t, "secure.example.com", r.ToHost)
	assert.Equal(t, 443, r.ToPort)
	assert.Equal(t, "CONNECT secure.example.com:443 HTTP/1.0", r.StartLine())

	_, err = NewRequest(MethodConnect, "no-port")
	assert.Error(t, err)
}

func TestRequestSetStartLineOnlyVersion(t *testing.T) {
	r, err := NewRequest(MethodGet, "/index.html")
	require.NoError(t, err)
	require.NoError(t, r.SetStartLine("POST /other HTTP/1.1"))
	assert.Equal(t, MethodGet, r.Method)
	assert.Equal(t, "1.1", r.Version)
	assert.Equal(t, "HTTP", r.Protocol)
	assert.Equal(t, "POST /other HTTP/1.1", r.RawStartLine())

	assert.ErrorIs(t, r.SetStartLine("GET / garbage"), ErrMalformedVersion)
}

func TestRequestTargetURL(t *testing.T) {
	r, err := NewRequest(MethodGet, "/x")
	require.NoError(t, err)
	r.AddHeader("Host", "example.com")
	assert.Equal(t, "http://example.com/x", r.TargetURL().String())

	r.AddHeader("Host", "example.com:8080")
	assert.Equal(t, "http://example.com:8080/x", r.TargetURL().String())
}

func TestRequestTargetURLIPv6(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		host string
		want string
	}{
		{name: "default_port_from_host", uri: "/x", host: "[::1]", want: "http://[::1]/x"},
		{name: "explicit_port_from_host", uri: "/x", host: "[::1]:8080", want: "http://[::1]:8080/x"},
		{name: "absolute_uri", uri: "http://[2001:db8::1]/y", want: "http://[2001:db8::1]/y"},
		{name: "https_default_port", uri: "https://[2001:db8::1]/z", want: "https://[2001:db8::1]/z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRequest(MethodGet, tt.uri)
			require.NoError(t, err)
			if tt.host != "" {
				r.AddHeader("Host", tt.host)
			}
			target := r.TargetURL()
			assert.Equal(t, tt.want, target.String())
			assert.NotContains(t, target.Hostname(), "[")
		})
	}
}

func TestRequestMarshalAndClone(t *testing.T) {
	r, err := NewRequest(MethodPost, "http://example.com/submit")
	require.NoError(t, err)
	r.AddHeader("Host", "example.com")
	r.AddToBody([]byte("data"))

	assert.Equal(t, "POST /submit HTTP/1.0\r\nhost: example.com\r\ncontent-length: 4\r\n\r\ndata", string(r.Marshal()))
	assert.False(t, r.Headers().Has("content-length"))

	c := r.Clone()
	c.AddHeader("X-Extra", "1")
	c.URI.Path = "/changed"
	assert.False(t, r.Headers().Has("x-extra"))
	assert.Equal(t, "/submit", r.URI.Path)
}

package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/codefionn/wiretap/wiretap-srv/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocklistProcessor(t *testing.T) {
	b := NewBlocklistProcessor([]string{"ads.example.com", " Tracker.NET ", ""})
	assert.Equal(t, 2, b.Len())

	tests := []struct {
		host    string
		blocked bool
	}{
		{"ads.example.com", true},
		{"cdn.ads.example.com", true},
		{"ADS.EXAMPLE.COM", true},
		{"tracker.net", true},
		{"x.tracker.net.", true},
		{"example.com", false},
		{"badads.example.com", false},
		{"tracker.network", false},
		{"", false},
	}
	for _, tt := range tests {
		_, blocked := b.Blocked(tt.host)
		assert.Equal(t, tt.blocked, blocked, tt.host)
	}
}

func TestBlocklistProcessorInPipeline(t *testing.T) {
	b := NewBlocklistProcessor([]string{"blocked.test"})

	req, err := message.NewRequest(message.MethodGet, "http://www.blocked.test/")
	require.NoError(t, err)
	out, outcome := Run([]Processor{b}, req)
	assert.Nil(t, out)
	assert.Equal(t, Drop, outcome)

	allowed, err := message.NewRequest(message.MethodGet, "http://allowed.test/")
	require.NoError(t, err)
	out, outcome = Run([]Processor{b}, allowed)
	assert.Same(t, allowed, out)
	assert.Equal(t, Pass, outcome)

	resp := message.NewResponse(200, "OK")
	_, outcome = Run([]Processor{b}, resp)
	assert.Equal(t, Pass, outcome)
}

func TestEmptyBlocklist(t *testing.T) {
	b := NewBlocklistProcessor(nil)
	_, blocked := b.Blocked("anything.com")
	assert.False(t, blocked)
}

func TestLoadDomainsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domains.txt")
	content := "# comment\nexample.com\n\n0.0.0.0 ads.test # trailing\n  spaced.org  \n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	domains, err := LoadDomainsFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com", "ads.test", "spaced.org"}, domains)

	_, err = LoadDomainsFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestHeaderRewriteProcessor(t *testing.T) {
	add, err := ParseHeaderRule("X-Recorded-By: wiretap, tests", false)
	require.NoError(t, err)
	assert.Equal(t, HeaderRule{Name: "x-recorded-by", Values: []string{"wiretap", "tests"}}, add)

	del, err := ParseHeaderRule("Server", true)
	require.NoError(t, err)
	assert.Equal(t, HeaderRule{Name: "Server", Remove: true}, del)

	_, err = ParseHeaderRule("no separator", false)
	assert.Error(t, err)

	resp := message.NewResponse(200, "OK")
	resp.AddHeader("Server", "upstream")
	resp.AddHeader("Content-Type", "text/html")

	p := NewHeaderRewriteProcessor(add, del)
	out, outcome := Run([]Processor{p}, resp)
	require.Equal(t, Pass, outcome)
	base := out.Base()
	assert.False(t, base.Headers().Has("server"))
	assert.Equal(t, []string{"wiretap", "tests"}, base.Headers().Values("x-recorded-by"))
	assert.Equal(t, []string{"content-type", "x-recorded-by"}, base.Headers().Keys())
}

func TestLogHandlerDoesNotPanic(t *testing.T) {
	req, err := message.NewRequest(message.MethodGet, "http://example.com/")
	require.NoError(t, err)
	resp := message.NewResponse(200, "OK")
	var h Handler = LogHandler{}
	h.ReceivedRequest(req)
	h.ReceivedResponse(resp, req)
	h.Failed(assert.AnError)
	h.FailedRequest(req, assert.AnError)
	h.FailedResponse(resp, req, assert.AnError)
}

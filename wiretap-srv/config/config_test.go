package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper function to create a temporary config file
func createTempConfigFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	tempFilePath := filepath.Join(dir, filename)
	err := os.WriteFile(tempFilePath, []byte(content), 0644)
	if err != nil {
		t.Fatalf("Failed to create temp config file %s: %v", tempFilePath, err)
	}
	return tempFilePath
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Failed to load default config: %v", err)
	}

	if cfg.ListenAddress != "0.0.0.0" {
		t.Errorf("Expected listen address 0.0.0.0, got %s", cfg.ListenAddress)
	}
	if cfg.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", cfg.Port)
	}
	if cfg.Backlog != 50 {
		t.Errorf("Expected backlog 50, got %d", cfg.Backlog)
	}
	if cfg.SecurePort != 14111 {
		t.Errorf("Expected secure port 14111, got %d", cfg.SecurePort)
	}
	if cfg.WriteChunkDelayMillis != 100 {
		t.Errorf("Expected chunk delay 100, got %d", cfg.WriteChunkDelayMillis)
	}
	if cfg.MaxRequestBodyBytes != 64<<20 {
		t.Errorf("Expected max request body 64 MiB, got %d", cfg.MaxRequestBodyBytes)
	}
	if !cfg.StatusPage.Enabled {
		t.Errorf("Expected status page to be enabled by default")
	}
	if cfg.StatusPage.Title != "WPG Proxy Statistics" {
		t.Errorf("Unexpected status page title %q", cfg.StatusPage.Title)
	}
	if cfg.TLS.Enabled() {
		t.Errorf("Expected no TLS identity by default")
	}
	if cfg.TLS.Mode != TLSModeTerminate {
		t.Errorf("Expected terminate mode, got %s", cfg.TLS.Mode)
	}
}

func TestLoadConfigJSON(t *testing.T) {
	content := `{
		"listen-address": "127.0.0.1",
		"port": 9090,
		"backlog": 10,
		"secure-port": 0,
		"timeout-seconds": 5,
		"write-chunk-delay-ms": 0,
		"max-request-body-bytes": 1024,
		"status-page": {"enabled": true, "title": "Recorder", "jwt-secret": "s3cr3t"},
		"tls": {"cert-file": "/tmp/cert.pem", "key-file": "/tmp/key.pem", "mode": "Passthrough"},
		"blocklist": ["ads.example.com", "tracker.net"],
		"header-rewrites": [
			{"direction": "request", "line": "X-Recorded-By: wiretap"},
			{"direction": "response", "line": "Server", "remove": true}
		],
		"journal": {"enabled": true, "backend": "postgres", "postgres-dsn": "postgres://localhost/wiretap", "flush-interval": 2}
	}`
	path := createTempConfigFile(t, t.TempDir(), "config.json", content)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.ListenAddress)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 10, cfg.Backlog)
	assert.Equal(t, 0, cfg.SecurePort)
	assert.Equal(t, 5, cfg.TimeoutSeconds)
	assert.Equal(t, 0, cfg.WriteChunkDelayMillis)
	assert.Equal(t, 1024, cfg.MaxRequestBodyBytes)
	assert.Equal(t, StatusPageConfig{Enabled: true, Title: "Recorder", JWTSecret: "s3cr3t"}, cfg.StatusPage)
	assert.True(t, cfg.TLS.Enabled())
	assert.Equal(t, TLSModePassthrough, cfg.TLS.Mode)
	assert.Equal(t, []string{"ads.example.com", "tracker.net"}, cfg.Blocklist)
	require.Len(t, cfg.HeaderRewrites, 2)
	assert.Equal(t, HeaderRewrite{Direction: RewriteRequest, Line: "X-Recorded-By: wiretap"}, cfg.HeaderRewrites[0])
	assert.Equal(t, HeaderRewrite{Direction: RewriteResponse, Line: "Server", Remove: true}, cfg.HeaderRewrites[1])
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, "postgres", cfg.Journal.Backend)
	assert.Equal(t, "postgres://localhost/wiretap", cfg.Journal.PostgresDSN)
	assert.Equal(t, 2, cfg.Journal.FlushInterval)
}

func TestLoadConfigForwards(t *testing.T) {
	content := `{
		"forwards": [
			{"type": "socks5", "address": "127.0.0.1:1080", "username": "u", "password": "p", "domains": ["internal.corp"]},
			{"type": "proxy", "address": "parent:3128"},
			{"type": "default-network", "force-ipv4": true}
		]
	}`
	path := createTempConfigFile(t, t.TempDir(), "forwards.json", content)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Forwards, 3)

	socks, ok := cfg.Forwards[0].(*ForwardSocks5)
	require.True(t, ok, "expected *ForwardSocks5, got %T", cfg.Forwards[0])
	assert.Equal(t, "127.0.0.1:1080", socks.Address)
	require.NotNil(t, socks.Username)
	assert.Equal(t, "u", *socks.Username)
	require.NotNil(t, socks.Password)
	assert.Equal(t, "p", *socks.Password)
	assert.True(t, socks.Matches("api.internal.corp"))
	assert.True(t, socks.Matches("INTERNAL.corp"))
	assert.False(t, socks.Matches("example.com"))
	assert.False(t, socks.Matches("notinternal.corp"))

	proxy, ok := cfg.Forwards[1].(*ForwardProxy)
	require.True(t, ok)
	assert.Equal(t, "parent:3128", proxy.Address)
	assert.Nil(t, proxy.Username)
	assert.True(t, proxy.Matches("anything.example"))

	def, ok := cfg.Forwards[2].(*ForwardDefaultNetwork)
	require.True(t, ok)
	assert.True(t, def.ForceIPv4)
	assert.Equal(t, ForwardTypeDefaultNetwork, def.Type())
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported extension", "config.yaml", "port: 1"},
		{"invalid json", "broken.json", "{"},
		{"unknown forward", "fwd.json", `{"forwards": [{"type": "carrier-pigeon"}]}`},
		{"socks5 without address", "socks.json", `{"forwards": [{"type": "socks5"}]}`},
		{"invalid tls mode", "mode.json", `{"tls": {"mode": "sideways"}}`},
		{"port out of range", "port.json", `{"port": 70000}`},
		{"negative body limit", "body.json", `{"max-request-body-bytes": -1}`},
		{"bad rewrite direction", "rw.json", `{"header-rewrites": [{"direction": "sideways", "line": "A: b"}]}`},
		{"missing rewrite line", "rw2.json", `{"header-rewrites": [{"direction": "request"}]}`},
		{"keystore and pem", "both.json", `{"tls": {"keystore": "a.p12", "cert-file": "c.pem", "key-file": "k.pem"}}`},
		{"wrong type", "type.json", `{"port": true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := createTempConfigFile(t, dir, tt.file, tt.content)
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestLoadConfigSecrets(t *testing.T) {
	t.Setenv("WIRETAP_TEST_KEYSTORE_PASSWORD", "changeit")
	content := `{
		"tls": {"keystore": "/tmp/identity.p12", "keystore-password": {"_secret": "WIRETAP_TEST_KEYSTORE_PASSWORD"}}
	}`
	path := createTempConfigFile(t, t.TempDir(), "secret.json", content)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "changeit", cfg.TLS.KeystorePassword)

	missing := createTempConfigFile(t, t.TempDir(), "missing-secret.json",
		`{"status-page": {"jwt-secret": {"_secret": "WIRETAP_TEST_UNSET_SECRET"}}}`)
	_, err = LoadConfig(missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WIRETAP_TEST_UNSET_SECRET")
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("WIRETAP_PORT", "3128")
	t.Setenv("WIRETAP_SECUREPORT", "0")
	t.Setenv("WIRETAP_STATUSPAGE", "false")
	t.Setenv("WIRETAP_TLSMODE", "PASSTHROUGH")
	t.Setenv("WIRETAP_BLOCKLIST", "a.com, b.org,,")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 3128, cfg.Port)
	assert.Equal(t, 0, cfg.SecurePort)
	assert.False(t, cfg.StatusPage.Enabled)
	assert.Equal(t, TLSModePassthrough, cfg.TLS.Mode)
	assert.Equal(t, []string{"a.com", "b.org"}, cfg.Blocklist)

	// File values override the environment
	path := createTempConfigFile(t, t.TempDir(), "override.json", `{"port": 8181}`)
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Port)
}

func TestParseValue(t *testing.T) {
	i, err := parseValue[int](float64(42))
	require.NoError(t, err)
	assert.Equal(t, 42, *i)

	i, err = parseValue[int]("17")
	require.NoError(t, err)
	assert.Equal(t, 17, *i)

	b, err := parseValue[bool]("true")
	require.NoError(t, err)
	assert.True(t, *b)

	s, err := parseValue[string]("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", *s)

	_, err = parseValue[string](float64(1))
	assert.Error(t, err)

	_, err = parseValue[int]("not-a-number")
	assert.Error(t, err)
}

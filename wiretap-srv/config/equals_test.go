package config

import (
	"os"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestHasChanged(t *testing.T) {
	t.Run("nil handling", func(t *testing.T) {
		if HasChanged(nil, nil) {
			t.Errorf("HasChanged should be false for two nil configs")
		}
		if !HasChanged(Default(), nil) {
			t.Errorf("HasChanged should be true when one config is nil")
		}
	})

	t.Run("identical defaults", func(t *testing.T) {
		if HasChanged(Default(), Default()) {
			t.Errorf("HasChanged should be false for identical defaults")
		}
	})

	t.Run("scalar fields", func(t *testing.T) {
		mutations := map[string]func(c *Config){
			"port":        func(c *Config) { c.Port = 1 },
			"backlog":     func(c *Config) { c.Backlog = 1 },
			"secure-port": func(c *Config) { c.SecurePort = 0 },
			"body-limit":  func(c *Config) { c.MaxRequestBodyBytes = 1 },
			"status-page": func(c *Config) { c.StatusPage.Title = "x" },
			"tls":         func(c *Config) { c.TLS.Mode = TLSModePassthrough },
			"journal":     func(c *Config) { c.Journal.Enabled = true },
			"blocklist":   func(c *Config) { c.Blocklist = []string{"a.com"} },
			"rewrites":    func(c *Config) { c.HeaderRewrites = []HeaderRewrite{{Direction: RewriteRequest, Line: "A: b"}} },
		}
		for name, mutate := range mutations {
			b := Default()
			mutate(b)
			if !HasChanged(Default(), b) {
				t.Errorf("HasChanged should detect change of %s", name)
			}
		}
	})

	t.Run("forwards", func(t *testing.T) {
		a := Default()
		b := Default()
		a.Forwards = []Forward{&ForwardSocks5{Address: "h:1", Username: strPtr("u")}}
		b.Forwards = []Forward{&ForwardSocks5{Address: "h:1", Username: strPtr("u")}}
		if HasChanged(a, b) {
			t.Errorf("HasChanged should be false for equal forwards")
		}
		b.Forwards = []Forward{&ForwardSocks5{Address: "h:1", Username: strPtr("other")}}
		if !HasChanged(a, b) {
			t.Errorf("HasChanged should detect changed forward credentials")
		}
		b.Forwards = []Forward{&ForwardProxy{Address: "h:1", Username: strPtr("u")}}
		if !HasChanged(a, b) {
			t.Errorf("HasChanged should detect changed forward type")
		}
	})

	t.Run("blocklist file: same content, different files", func(t *testing.T) {
		dir := t.TempDir()
		p1 := createTempConfigFile(t, dir, "d1.txt", "example.com\nfoo.org\n")
		p2 := createTempConfigFile(t, dir, "d2.txt", "example.com\nfoo.org\n")
		a, b := Default(), Default()
		a.BlocklistFile, b.BlocklistFile = p1, p2
		if HasChanged(a, b) {
			t.Errorf("HasChanged should be false for blocklist files with same content")
		}
		if err := os.WriteFile(p2, []byte("bar.net\n"), 0644); err != nil {
			t.Fatalf("failed to rewrite file: %v", err)
		}
		if !HasChanged(a, b) {
			t.Errorf("HasChanged should be true for blocklist files with different content")
		}
	})
}

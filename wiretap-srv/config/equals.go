package config

import (
	"bytes"
	"os"

	"github.com/codefionn/wiretap/wiretap-srv/logger"
)

// HasChanged returns true if the configuration has changed compared to another config.
// This implementation explicitly compares all fields without using reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenAddress != b.ListenAddress ||
		a.Port != b.Port ||
		a.Backlog != b.Backlog ||
		a.SecurePort != b.SecurePort ||
		a.MaxConcurrentConnections != b.MaxConcurrentConnections ||
		a.TimeoutSeconds != b.TimeoutSeconds ||
		a.WriteChunkDelayMillis != b.WriteChunkDelayMillis ||
		a.MaxRequestBodyBytes != b.MaxRequestBodyBytes ||
		a.LogLevel != b.LogLevel {
		return true
	}
	if a.StatusPage != b.StatusPage || a.TLS != b.TLS || a.Journal != b.Journal {
		return true
	}
	if !stringSliceEqual(a.Blocklist, b.Blocklist) {
		return true
	}
	if !fileContentEqual(a.BlocklistFile, b.BlocklistFile) {
		return true
	}
	if len(a.HeaderRewrites) != len(b.HeaderRewrites) {
		return true
	}
	for i := range a.HeaderRewrites {
		if a.HeaderRewrites[i] != b.HeaderRewrites[i] {
			return true
		}
	}
	return !forwardsSliceEqual(a.Forwards, b.Forwards)
}

// fileContentEqual compares the current content of two referenced files.
func fileContentEqual(pathA, pathB string) bool {
	if pathA == "" || pathB == "" {
		return pathA == pathB
	}
	aContent, err := os.ReadFile(pathA)
	if err != nil {
		logger.Error("Failed to read blocklist file: %v (file: %s)", err, pathA)
		return false
	}
	bContent, err := os.ReadFile(pathB)
	if err != nil {
		logger.Error("Failed to read blocklist file: %v (file: %s)", err, pathB)
		return false
	}
	return bytes.Equal(aContent, bContent)
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func ruleEqual(a, b ForwardRule) bool {
	return a.ForceIPv4 == b.ForceIPv4 && stringSliceEqual(a.Domains, b.Domains)
}

// forwardsSliceEqual compares two slices of Forward interfaces for equality.
func forwardsSliceEqual(a, b []Forward) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !forwardEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// forwardEqual compares two Forward interfaces for equality.
func forwardEqual(a, b Forward) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type() != b.Type() {
		return false
	}
	switch ta := a.(type) {
	case *ForwardDefaultNetwork:
		tb, ok := b.(*ForwardDefaultNetwork)
		return ok && ruleEqual(ta.ForwardRule, tb.ForwardRule)
	case *ForwardSocks5:
		tb, ok := b.(*ForwardSocks5)
		return ok && ruleEqual(ta.ForwardRule, tb.ForwardRule) && ta.Address == tb.Address &&
			stringPtrEqual(ta.Username, tb.Username) && stringPtrEqual(ta.Password, tb.Password)
	case *ForwardProxy:
		tb, ok := b.(*ForwardProxy)
		return ok && ruleEqual(ta.ForwardRule, tb.ForwardRule) && ta.Address == tb.Address &&
			stringPtrEqual(ta.Username, tb.Username) && stringPtrEqual(ta.Password, tb.Password)
	default:
		return false
	}
}

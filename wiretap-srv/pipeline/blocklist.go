package pipeline

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/codefionn/wiretap/wiretap-srv/logger"
	"github.com/codefionn/wiretap/wiretap-srv/message"
)

// BlocklistProcessor drops requests whose target host equals, or is a
// subdomain of, a listed domain.
type BlocklistProcessor struct {
	trie    *ahocorasick.Trie
	domains []string
}

// NewBlocklistProcessor builds the matcher for domains.
func NewBlocklistProcessor(domains []string) *BlocklistProcessor {
	normalized := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			normalized = append(normalized, d)
		}
	}
	return &BlocklistProcessor{
		trie:    ahocorasick.NewTrieBuilder().AddStrings(normalized).Build(),
		domains: normalized,
	}
}

// LoadDomainsFile reads one domain per line. Blank lines and '#' comments are
// skipped; hosts-file lines ("0.0.0.0 example.com") contribute their last field.
func LoadDomainsFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open domains file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Error("Error closing domains file %s: %v", path, err)
		}
	}()

	var domains []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		domains = append(domains, fields[len(fields)-1])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read domains file: %w", err)
	}
	return domains, nil
}

// Len returns the number of domains in the list.
func (b *BlocklistProcessor) Len() int {
	return len(b.domains)
}

// Blocked reports the listed domain host falls under, if any.
func (b *BlocklistProcessor) Blocked(host string) (string, bool) {
	if len(b.domains) == 0 {
		return "", false
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, m := range b.trie.MatchString(host) {
		domain := b.domains[m.Pattern()]
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return domain, true
		}
	}
	return "", false
}

func (b *BlocklistProcessor) ContinueProcessing(message.HTTPMessage) bool {
	return true
}

func (b *BlocklistProcessor) ShouldSend(msg message.HTTPMessage) bool {
	req, ok := msg.(*message.Request)
	if !ok {
		return true
	}
	if domain, blocked := b.Blocked(req.ToHost); blocked {
		logger.Info("Blocked request to %s (matched %s)", req.ToHost, domain)
		return false
	}
	return true
}

func (b *BlocklistProcessor) Process(msg message.HTTPMessage) message.HTTPMessage {
	return msg
}

package pipeline

import (
	"github.com/codefionn/wiretap/wiretap-srv/message"
)

// HeaderRule adds a header line, or removes a header by name.
type HeaderRule struct {
	Name   string
	Values []string
	Remove bool
}

// ParseHeaderRule turns "Name: v1, v2" into an add rule, or a bare name into
// a remove rule when remove is set.
func ParseHeaderRule(line string, remove bool) (HeaderRule, error) {
	if remove {
		name, _, err := message.ParseHeaderLine(line)
		if err != nil {
			name = line
		}
		return HeaderRule{Name: name, Remove: true}, nil
	}
	h := message.NewHeaders()
	if err := h.AddLine(line, true); err != nil {
		return HeaderRule{}, err
	}
	name := h.Keys()[0]
	return HeaderRule{Name: name, Values: h.Values(name)}, nil
}

// HeaderRewriteProcessor applies its rules to every message it sees.
type HeaderRewriteProcessor struct {
	rules []HeaderRule
}

func NewHeaderRewriteProcessor(rules ...HeaderRule) *HeaderRewriteProcessor {
	return &HeaderRewriteProcessor{rules: rules}
}

func (p *HeaderRewriteProcessor) ContinueProcessing(message.HTTPMessage) bool {
	return true
}

func (p *HeaderRewriteProcessor) ShouldSend(message.HTTPMessage) bool {
	return true
}

func (p *HeaderRewriteProcessor) Process(msg message.HTTPMessage) message.HTTPMessage {
	base := msg.Base()
	for _, rule := range p.rules {
		if rule.Remove {
			base.RemoveHeader(rule.Name)
			continue
		}
		for _, v := range rule.Values {
			base.AddHeader(rule.Name, v)
		}
	}
	return msg
}

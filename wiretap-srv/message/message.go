// Package message holds the HTTP request and response representations the
// proxy parses, hands to the pipeline and writes back to clients.
package message

import (
	"net"
	"strconv"
	"strings"
)

const (
	DefaultProtocol = "HTTP"
	DefaultVersion  = "1.0"
	DefaultPort     = 80
)

// HTTPMessage is implemented by *Request and *Response.
type HTTPMessage interface {
	// Base exposes the fields shared by requests and responses.
	Base() *Message
	// StartLine rebuilds the first line of the message.
	StartLine() string
	// SetStartLine parses a raw first line into the message.
	SetStartLine(line string) error
}

// Message is the state shared by requests and responses.
type Message struct {
	FromHost string
	FromPort int
	ToHost   string
	ToPort   int
	Protocol string
	Version  string

	headers      *Headers
	body         []byte
	rawStartLine string
}

func newMessage() Message {
	return Message{
		ToPort:   DefaultPort,
		Protocol: DefaultProtocol,
		Version:  DefaultVersion,
		headers:  NewHeaders(),
	}
}

// Base returns m itself.
func (m *Message) Base() *Message {
	return m
}

// Headers returns the header set. Mutating it directly bypasses the Host
// propagation AddHeader performs.
func (m *Message) Headers() *Headers {
	if m.headers == nil {
		m.headers = NewHeaders()
	}
	return m.headers
}

// AddHeader adds a header value. A Host header also sets the target host and,
// when it carries one, the target port.
func (m *Message) AddHeader(name, value string) {
	m.Headers().Add(name, value)
	if canonical(name) == "host" {
		m.setTargetFromHost(value)
	}
}

// AddHeaderLine parses "Name: value" and adds it through AddHeader.
func (m *Message) AddHeaderLine(line string, split bool) error {
	name, value, err := ParseHeaderLine(line)
	if err != nil {
		return err
	}
	if !split {
		m.AddHeader(name, value)
		return nil
	}
	for _, v := range strings.Split(value, ", ") {
		m.AddHeader(name, v)
	}
	return nil
}

// SetHeader replaces all values of a header.
func (m *Message) SetHeader(name string, values ...string) {
	m.Headers().Set(name, values...)
	if canonical(name) == "host" && len(values) > 0 {
		m.setTargetFromHost(values[0])
	}
}

// RemoveHeader deletes a header.
func (m *Message) RemoveHeader(name string) {
	m.Headers().Del(name)
}

// Header returns the comma-joined values of a header.
func (m *Message) Header(name string) string {
	return m.Headers().Get(name)
}

func (m *Message) setTargetFromHost(value string) {
	value = strings.TrimSpace(value)
	if host, port, err := net.SplitHostPort(value); err == nil {
		if p, err := strconv.Atoi(port); err == nil {
			m.ToHost = host
			m.ToPort = p
			return
		}
	}
	m.ToHost = strings.TrimSuffix(strings.TrimPrefix(value, "["), "]")
}

// Body returns the accumulated body bytes.
func (m *Message) Body() []byte {
	return m.body
}

// AddToBody appends b to the body.
func (m *Message) AddToBody(b []byte) {
	m.body = append(m.body, b...)
	m.syncContentLength()
}

// SetBody replaces the body.
func (m *Message) SetBody(b []byte) {
	m.body = append([]byte(nil), b...)
	m.syncContentLength()
}

// syncContentLength keeps a declared content-length equal to the body size.
// Messages that never declared one get it inserted at write time instead.
func (m *Message) syncContentLength() {
	if m.Headers().Has("content-length") {
		m.Headers().Set("content-length", strconv.Itoa(len(m.body)))
	}
}

// ContentLength returns the declared content-length, or -1 when absent or invalid.
func (m *Message) ContentLength() int64 {
	v := m.Headers().Values("content-length")
	if len(v) == 0 {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v[0]), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// RawStartLine returns the first line as it was last set.
func (m *Message) RawStartLine() string {
	return m.rawStartLine
}

// SetFrom records the peer that opened the connection.
func (m *Message) SetFrom(addr net.Addr) {
	if addr == nil {
		return
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		m.FromHost = addr.String()
		return
	}
	m.FromHost = host
	m.FromPort, _ = strconv.Atoi(port)
}

// ToAddr returns the target as host:port.
func (m *Message) ToAddr() string {
	return net.JoinHostPort(m.ToHost, strconv.Itoa(m.ToPort))
}

func (m *Message) clone() Message {
	c := *m
	c.headers = m.Headers().Clone()
	c.body = append([]byte(nil), m.body...)
	return c
}

// encode writes start line, headers, blank line and body. A content-length is
// inserted when the message carries a body but never declared one.
func (m *Message) encode(startLine string) []byte {
	headers := m.Headers()
	if len(m.body) > 0 && !headers.Has("content-length") {
		headers = headers.Clone()
		headers.Set("content-length", strconv.Itoa(len(m.body)))
	}
	hs := headers.String()
	out := make([]byte, 0, len(startLine)+len(hs)+4+len(m.body))
	out = append(out, startLine...)
	out = append(out, "\r\n"...)
	out = append(out, hs...)
	out = append(out, "\r\n"...)
	out = append(out, m.body...)
	return out
}

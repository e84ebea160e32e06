package message

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Method is an HTTP request method understood by the proxy.
type Method string

const (
	MethodConnect Method = "CONNECT"
	MethodDelete  Method = "DELETE"
	MethodGet     Method = "GET"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodTrace   Method = "TRACE"
)

var (
	ErrUnknownMethod    = errors.New("unknown request method")
	ErrMalformedVersion = errors.New("malformed protocol version")
)

// ParseMethod validates s against the supported methods.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodConnect, MethodDelete, MethodGet, MethodHead,
		MethodOptions, MethodPost, MethodPut, MethodTrace:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// Request is a client request received by the proxy.
type Request struct {
	Message
	Method Method
	URI    *url.URL
}

// NewRequest creates a request and parses its URI.
func NewRequest(method Method, rawURI string) (*Request, error) {
	r := &Request{Message: newMessage(), Method: method}
	if err := r.SetURI(rawURI); err != nil {
		return nil, err
	}
	return r, nil
}

// SetURI parses rawURI and propagates its host and port to the target.
// CONNECT requests accept the authority form host:port.
func (r *Request) SetURI(rawURI string) error {
	var u *url.URL
	if r.Method == MethodConnect && !strings.Contains(rawURI, "://") {
		if _, _, err := net.SplitHostPort(rawURI); err != nil {
			return fmt.Errorf("invalid CONNECT authority %q: %w", rawURI, err)
		}
		u = &url.URL{Host: rawURI}
	} else {
		parsed, err := url.Parse(rawURI)
		if err != nil {
			return fmt.Errorf("invalid request URI %q: %w", rawURI, err)
		}
		u = parsed
	}
	r.URI = u

	if u.Host == "" {
		return nil
	}
	r.ToHost = u.Hostname()
	switch {
	case u.Port() != "":
		port, err := strconv.Atoi(u.Port())
		if err != nil {
			return fmt.Errorf("invalid port in %q: %w", rawURI, err)
		}
		r.ToPort = port
	case strings.EqualFold(u.Scheme, "https"):
		r.ToPort = 443
	default:
		r.ToPort = DefaultPort
	}
	return nil
}

// RequestTarget returns the request-target written in the start line.
func (r *Request) RequestTarget() string {
	if r.URI == nil {
		return "/"
	}
	if r.Method == MethodConnect {
		return r.URI.Host
	}
	target := r.URI.EscapedPath()
	if target == "" {
		target = "/"
	}
	if r.URI.RawQuery != "" {
		target += "?" + r.URI.RawQuery
	}
	if r.URI.Fragment != "" {
		target += "#" + r.URI.EscapedFragment()
	}
	return target
}

// StartLine rebuilds "METHOD target PROTOCOL/VERSION".
func (r *Request) StartLine() string {
	return string(r.Method) + " " + r.RequestTarget() + " " + r.Protocol + "/" + r.Version
}

// SetStartLine records the raw line and extracts only protocol and version
// from its last token. Method and URI are set separately.
func (r *Request) SetStartLine(line string) error {
	r.rawStartLine = line
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	proto, version, ok := strings.Cut(fields[len(fields)-1], "/")
	if !ok || proto == "" || version == "" {
		return fmt.Errorf("%w: %q", ErrMalformedVersion, line)
	}
	r.Protocol = proto
	r.Version = version
	return nil
}

// TargetURL returns the absolute URL the request should be sent to.
func (r *Request) TargetURL() *url.URL {
	u := &url.URL{Scheme: "http"}
	if r.URI != nil {
		cp := *r.URI
		u = &cp
		if u.Scheme == "" {
			u.Scheme = "http"
		}
	}
	switch {
	case !(u.Scheme == "http" && r.ToPort == 80) && !(u.Scheme == "https" && r.ToPort == 443):
		u.Host = r.ToAddr()
	case strings.Contains(r.ToHost, ":"):
		// IPv6 literals keep their brackets even without a port.
		u.Host = "[" + r.ToHost + "]"
	default:
		u.Host = r.ToHost
	}
	return u
}

// Marshal serializes the request in wire form.
func (r *Request) Marshal() []byte {
	return r.encode(r.StartLine())
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	c := &Request{Message: r.Message.clone(), Method: r.Method}
	if r.URI != nil {
		u := *r.URI
		c.URI = &u
	}
	return c
}

package message

import (
	"fmt"
	"strconv"
	"strings"
)

// Response is an upstream or locally generated response.
type Response struct {
	Message
	StatusCode   int
	ReasonPhrase string
}

// NewResponse creates a response with default protocol and version.
func NewResponse(statusCode int, reasonPhrase string) *Response {
	return &Response{Message: newMessage(), StatusCode: statusCode, ReasonPhrase: reasonPhrase}
}

// SetStartLine parses a line shaped like "HTTP/1.0 200 OK" by splitting on '/'
// and ' ' and assigning protocol, version and status code in that order. The
// reason phrase is everything after the status code, with runs of spaces
// collapsed. An empty line is a no-op.
func (r *Response) SetStartLine(line string) error {
	tokens := strings.FieldsFunc(line, func(c rune) bool { return c == '/' || c == ' ' })
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) < 3 {
		return fmt.Errorf("%w: %q", ErrMalformedVersion, line)
	}
	code, err := strconv.Atoi(tokens[2])
	if err != nil {
		return fmt.Errorf("invalid status code in %q: %w", line, err)
	}
	r.rawStartLine = line
	r.Protocol = tokens[0]
	r.Version = tokens[1]
	r.StatusCode = code
	r.ReasonPhrase = reasonAfter(line, tokens[2])
	return nil
}

// reasonAfter returns the space separated words that follow code in line.
func reasonAfter(line, code string) string {
	fields := strings.Fields(line)
	for i, field := range fields {
		if field == code {
			return strings.Join(fields[i+1:], " ")
		}
	}
	return ""
}

// StartLine rebuilds "PROTOCOL/VERSION CODE REASON".
func (r *Response) StartLine() string {
	line := r.Protocol + "/" + r.Version + " " + strconv.Itoa(r.StatusCode)
	if r.ReasonPhrase != "" {
		line += " " + r.ReasonPhrase
	}
	return line
}

// Marshal serializes the response with its start line written as HTTP/version,
// independent of the version recorded from upstream.
func (r *Response) Marshal(version string) []byte {
	line := DefaultProtocol + "/" + version + " " + strconv.Itoa(r.StatusCode)
	if r.ReasonPhrase != "" {
		line += " " + r.ReasonPhrase
	}
	return r.encode(line)
}

// Clone returns a deep copy.
func (r *Response) Clone() *Response {
	return &Response{Message: r.Message.clone(), StatusCode: r.StatusCode, ReasonPhrase: r.ReasonPhrase}
}

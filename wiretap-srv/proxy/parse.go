package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/codefionn/wiretap/wiretap-srv/message"
)

// readLine returns the next line without its CRLF terminator.
func (c *connection) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseRequest reads the start line, the header block and the body of a
// single request. A declared content-length is read in full; otherwise the
// body is whatever the client already sent behind the headers.
func (c *connection) parseRequest() (*message.Request, error) {
	line, err := c.readLine()
	if err != nil {
		return nil, NewMalformedRequestError(ErrCodeHTTPRequestReadFailed, err)
	}

	fields := strings.Fields(line)
	if len(fields) != 3 {
		return nil, NewMalformedRequestError(ErrCodeMalformedStartLine, fmt.Errorf("start line %q", line))
	}
	method, err := message.ParseMethod(fields[0])
	if err != nil {
		return nil, NewMalformedRequestError(ErrCodeMalformedStartLine, err)
	}
	req, err := message.NewRequest(method, fields[1])
	if err != nil {
		return nil, NewMalformedRequestError(ErrCodeMalformedStartLine, err)
	}
	if err := req.SetStartLine(line); err != nil {
		return nil, NewMalformedRequestError(ErrCodeMalformedStartLine, err)
	}
	req.SetFrom(c.conn.RemoteAddr())

	for {
		line, err := c.readLine()
		if err != nil {
			return nil, NewMalformedRequestError(ErrCodeHTTPRequestReadFailed, err)
		}
		if line == "" {
			break
		}
		if err := req.AddHeaderLine(line, false); err != nil {
			return nil, NewMalformedRequestError(ErrCodeMalformedHeader, err)
		}
	}

	if n := req.ContentLength(); n > 0 {
		body, err := c.readBody(n)
		if err != nil {
			return nil, err
		}
		req.AddToBody(body)
	} else if n < 0 && method != message.MethodConnect && c.reader.Buffered() > 0 {
		body := make([]byte, c.reader.Buffered())
		if _, err := io.ReadFull(c.reader, body); err != nil {
			return nil, NewMalformedRequestError(ErrCodeHTTPRequestReadFailed, err)
		}
		req.AddToBody(body)
	}
	return req, nil
}

// readBody reads exactly n declared body bytes. The buffer grows with the data
// actually received, so a declared length alone never allocates.
func (c *connection) readBody(n int64) ([]byte, error) {
	if c.proxy.maxBody > 0 && n > c.proxy.maxBody {
		return nil, NewMalformedRequestError(ErrCodeRequestBodyTooLarge,
			fmt.Errorf("content-length %d exceeds %d bytes", n, c.proxy.maxBody))
	}
	var body bytes.Buffer
	read, err := io.CopyN(&body, c.reader, n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, NewMalformedRequestError(ErrCodeHTTPRequestReadFailed,
			fmt.Errorf("body of %d bytes, got %d: %w", n, read, err))
	}
	return body.Bytes(), nil
}

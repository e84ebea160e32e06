package proxy

import (
	"errors"
	"fmt"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
	kind        error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the class sentinel the error was created with.
func (e *Error) Is(target error) bool {
	return e.kind != nil && e.kind == target
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

func newClassError(kind error, code string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: GetErrorDescription(code),
		Cause:       cause,
		kind:        kind,
	}
}

// Error classes of the connection processor. Every *Error created by the
// matching constructor satisfies errors.Is against its class.
var (
	ErrBind             = errors.New("bind failed")
	ErrMalformedRequest = errors.New("malformed request")
	ErrUpstream         = errors.New("upstream request failed")
	ErrTLSNotEnabled    = errors.New("SSL Not Enabled on this proxy instance")
	ErrTLSSetup         = errors.New("tls setup failed")
	ErrWrite            = errors.New("write failed")
)

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1008"
	ErrCodeInvalidServerConfig  = "E1010"
	ErrCodeKeystoreReadFailed   = "E1011"
	ErrCodeKeystoreDecodeFailed = "E1012"
	ErrCodeKeyDecryptFailed     = "E1013"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeInvalidAddress        = "E2006"
	ErrCodeConnectionClosed      = "E2008"
	ErrCodeDialFailed            = "E2009"
	ErrCodeUpstreamConnectFailed = "E2010"

	// TLS and Certificate Errors (E3000-E3999)
	ErrCodeTLSHandshakeFailed = "E3001"
	ErrCodeTLSNotEnabled      = "E3009"
	ErrCodeTLSUpstreamFailed  = "E3007"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeHTTPRequestReadFailed   = "E4001"
	ErrCodeHTTPResponseReadFailed  = "E4002"
	ErrCodeHTTPResponseWriteFailed = "E4004"
	ErrCodeHTTPForwardFailed       = "E4007"
	ErrCodeMalformedStartLine      = "E4012"
	ErrCodeMalformedHeader         = "E4013"
	ErrCodeRequestBodyTooLarge     = "E4014"

	// Proxy Chain and Forwarding Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed    = "E6001"
	ErrCodeSOCKS5ConnectFailed   = "E6002"
	ErrCodeHTTPProxyDialFailed   = "E6003"
	ErrCodeCONNECTRequestFailed  = "E6005"
	ErrCodeCONNECTResponseFailed = "E6006"
	ErrCodeProxyDenied           = "E6008"
	ErrCodeUnknownForwardType    = "E6010"

	// Pipeline Errors (E8000-E8999)
	ErrCodeProcessorResultInvalid = "E8008"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError  = "E9901"
	ErrCodePanicRecovered = "E9903"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeInvalidServerConfig:  "Invalid server configuration",
	ErrCodeKeystoreReadFailed:   "Failed to read TLS identity",
	ErrCodeKeystoreDecodeFailed: "Failed to decode TLS identity",
	ErrCodeKeyDecryptFailed:     "Failed to decrypt private key",

	ErrCodeInvalidAddress:        "Invalid network address format",
	ErrCodeConnectionClosed:      "Connection closed unexpectedly",
	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",

	ErrCodeTLSHandshakeFailed: "TLS handshake failed",
	ErrCodeTLSNotEnabled:      "SSL Not Enabled on this proxy instance",
	ErrCodeTLSUpstreamFailed:  "TLS handshake with upstream server failed",

	ErrCodeHTTPRequestReadFailed:   "Failed to read HTTP request",
	ErrCodeHTTPResponseReadFailed:  "Failed to read HTTP response",
	ErrCodeHTTPResponseWriteFailed: "Failed to write HTTP response",
	ErrCodeHTTPForwardFailed:       "Failed to forward HTTP request",
	ErrCodeMalformedStartLine:      "Malformed request line",
	ErrCodeMalformedHeader:         "Malformed header line",
	ErrCodeRequestBodyTooLarge:     "Request body exceeds the configured limit",

	ErrCodeSOCKS5DialerFailed:    "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed:   "SOCKS5 connection failed",
	ErrCodeHTTPProxyDialFailed:   "Failed to dial HTTP proxy server",
	ErrCodeCONNECTRequestFailed:  "Failed to send CONNECT request",
	ErrCodeCONNECTResponseFailed: "Failed to read CONNECT response",
	ErrCodeProxyDenied:           "Proxy request denied",
	ErrCodeUnknownForwardType:    "Unknown or unsupported forward type",

	ErrCodeProcessorResultInvalid: "Processor returned a message of the wrong kind",

	ErrCodeInternalError:  "Internal proxy error",
	ErrCodePanicRecovered: "Recovered from panic while processing connection",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// NewBindError reports that a listening socket could not be opened or bound.
func NewBindError(cause error) *Error {
	return newClassError(ErrBind, ErrCodeListenerCreateFailed, cause)
}

// NewMalformedRequestError reports an unparsable start line or header line.
func NewMalformedRequestError(code string, cause error) *Error {
	return newClassError(ErrMalformedRequest, code, cause)
}

// NewUpstreamError reports a failed upstream call.
func NewUpstreamError(code string, cause error) *Error {
	return newClassError(ErrUpstream, code, cause)
}

// NewTLSNotEnabledError reports a CONNECT on a proxy without identity.
func NewTLSNotEnabledError() *Error {
	return newClassError(ErrTLSNotEnabled, ErrCodeTLSNotEnabled, nil)
}

// NewTLSSetupError reports a failure while preparing a tunnel.
func NewTLSSetupError(code string, cause error) *Error {
	return newClassError(ErrTLSSetup, code, cause)
}

// NewWriteError reports a failure while writing a response to the client.
func NewWriteError(cause error) *Error {
	return newClassError(ErrWrite, ErrCodeHTTPResponseWriteFailed, cause)
}

// NewProxyChainError creates a proxy chain-related error
func NewProxyChainError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// NewInternalError creates an internal error
func NewInternalError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code >= "E2000" && proxyErr.Code < "E3000"
	}
	return false
}

// IsTLSError checks if the error is TLS-related
func IsTLSError(err error) bool {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code >= "E3000" && proxyErr.Code < "E4000"
	}
	return false
}

// IsProxyChainError checks if the error is proxy chain-related
func IsProxyChainError(err error) bool {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code >= "E6000" && proxyErr.Code < "E7000"
	}
	return false
}

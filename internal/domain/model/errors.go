package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies proxy failures so callers can react without
// string-matching error messages.
type ErrorKind string

const (
	// ErrInvalidURL indicates a malformed URL or a disallowed scheme
	ErrInvalidURL ErrorKind = "invalid_url"
	// ErrNotInitialized indicates the proxy has not been initialized
	ErrNotInitialized ErrorKind = "not_initialized"
	// ErrProvisioningFailed indicates registration with the relay broker failed
	ErrProvisioningFailed ErrorKind = "provisioning_failed"
	// ErrHandshakeFailed indicates the tunnel handshake did not complete
	ErrHandshakeFailed ErrorKind = "handshake_failed"
	// ErrNetworkUnavailable indicates the relay endpoint is unreachable
	ErrNetworkUnavailable ErrorKind = "network_unavailable"
	// ErrConnectTimeout indicates a virtual connection attempt timed out
	ErrConnectTimeout ErrorKind = "connect_timeout"
	// ErrTLS indicates certificate validation or protocol negotiation failed
	ErrTLS ErrorKind = "tls_error"
	// ErrHTTP indicates a non-2xx or malformed HTTP response
	ErrHTTP ErrorKind = "http_error"
	// ErrContentRejected indicates the response is not an acceptable image
	// (type/magic mismatch or size limit exceeded)
	ErrContentRejected ErrorKind = "content_rejected"
	// ErrCache indicates a cache storage failure
	ErrCache ErrorKind = "cache_error"
)

// ProxyError is the error type returned by all proxy operations.
type ProxyError struct {
	// Kind is the failure classification
	Kind ErrorKind
	// Message is a human-readable description
	Message string
	// Err is the underlying cause, if any
	Err error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// NewProxyError creates a ProxyError without an underlying cause.
func NewProxyError(kind ErrorKind, format string, args ...interface{}) *ProxyError {
	return &ProxyError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapProxyError creates a ProxyError wrapping an underlying cause.
func WrapProxyError(kind ErrorKind, err error, format string, args ...interface{}) *ProxyError {
	return &ProxyError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err is (or wraps) a ProxyError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or an empty string if err is not a
// ProxyError.
func KindOf(err error) ErrorKind {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

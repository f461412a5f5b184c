package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestProxyErrorMessage(t *testing.T) {
	perr := NewProxyError(ErrInvalidURL, "scheme %q not allowed", "ftp")
	if !strings.Contains(perr.Error(), "invalid_url") {
		t.Errorf("Error() = %q, want kind prefix", perr.Error())
	}
	if !strings.Contains(perr.Error(), `scheme "ftp" not allowed`) {
		t.Errorf("Error() = %q, want formatted message", perr.Error())
	}
}

func TestProxyErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	perr := WrapProxyError(ErrNetworkUnavailable, cause, "sending registration request")

	if !errors.Is(perr, cause) {
		t.Error("errors.Is does not find the wrapped cause")
	}
	wrapped := fmt.Errorf("fetch failed: %w", perr)
	if !IsKind(wrapped, ErrNetworkUnavailable) {
		t.Error("IsKind does not see through fmt.Errorf wrapping")
	}
	if IsKind(wrapped, ErrTLS) {
		t.Error("IsKind matched the wrong kind")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(NewProxyError(ErrConnectTimeout, "dial timed out")); got != ErrConnectTimeout {
		t.Errorf("KindOf = %s, want %s", got, ErrConnectTimeout)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf(plain error) = %q, want empty", got)
	}
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
}

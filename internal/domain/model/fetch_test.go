package model

import (
	"testing"
)

func TestValidateFetchURLAllowedSchemes(t *testing.T) {
	for _, rawURL := range []string{
		"http://example.com/pixel.png",
		"https://example.com/images/logo.jpg?size=2",
		"HTTPS://example.com/a.gif",
	} {
		parsed, perr := ValidateFetchURL(rawURL)
		if perr != nil {
			t.Errorf("ValidateFetchURL(%q) = %v, want nil", rawURL, perr)
			continue
		}
		if parsed.Host == "" {
			t.Errorf("ValidateFetchURL(%q) returned URL without host", rawURL)
		}
	}
}

func TestValidateFetchURLRejectedSchemes(t *testing.T) {
	for _, rawURL := range []string{
		"cid:part1@example.com",
		"data:image/png;base64,iVBORw0KGgo=",
		"file:///etc/passwd",
		"javascript:alert(1)",
		"ftp://host/x.png",
	} {
		_, perr := ValidateFetchURL(rawURL)
		if perr == nil {
			t.Errorf("ValidateFetchURL(%q) accepted, want rejection", rawURL)
			continue
		}
		if perr.Kind != ErrInvalidURL {
			t.Errorf("ValidateFetchURL(%q) kind = %s, want %s", rawURL, perr.Kind, ErrInvalidURL)
		}
	}
}

func TestValidateFetchURLMalformed(t *testing.T) {
	for _, rawURL := range []string{
		"",
		"not-a-valid-url",
		"http://",
		"://missing",
	} {
		_, perr := ValidateFetchURL(rawURL)
		if perr == nil {
			t.Errorf("ValidateFetchURL(%q) accepted, want rejection", rawURL)
			continue
		}
		if perr.Kind != ErrInvalidURL {
			t.Errorf("ValidateFetchURL(%q) kind = %s, want %s", rawURL, perr.Kind, ErrInvalidURL)
		}
	}
}

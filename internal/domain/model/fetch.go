package model

import (
	"net/url"
	"time"
)

// Allowed and rejected URL schemes for image fetches. Anything not in the
// allow list is rejected before any network activity.
var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// ImageResponse is the successful result of an image fetch.
type ImageResponse struct {
	// Bytes is the raw image data
	Bytes []byte
	// ContentType is the validated media type (e.g. image/png)
	ContentType string
	// FromCache indicates the response was served from the cache
	FromCache bool
}

// BatchImageResult is one element of a batch fetch result. Exactly one of
// Image and Err is set.
type BatchImageResult struct {
	// URL is the input URL this result corresponds to
	URL string
	// Success indicates whether the fetch succeeded
	Success bool
	// Image holds the fetched image on success
	Image *ImageResponse
	// Err holds the typed failure otherwise
	Err *ProxyError
}

// CachedImage is a cache entry value.
type CachedImage struct {
	// Bytes is the raw image data
	Bytes []byte
	// ContentType is the validated media type
	ContentType string
	// Digest is the lowercase hex BLAKE3 digest of Bytes
	Digest string
	// InsertedAt is when the entry was stored
	InsertedAt time.Time
}

// SizeBytes returns the byte size accounted against the cache capacity.
func (c *CachedImage) SizeBytes() int64 {
	return int64(len(c.Bytes))
}

// ValidateFetchURL parses rawURL and enforces the scheme allow list. It
// returns the parsed URL or an ErrInvalidURL ProxyError. No network activity
// happens here.
func ValidateFetchURL(rawURL string) (*url.URL, *ProxyError) {
	if rawURL == "" {
		return nil, NewProxyError(ErrInvalidURL, "URL is empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, WrapProxyError(ErrInvalidURL, err, "malformed URL %q", rawURL)
	}

	if !allowedSchemes[u.Scheme] {
		if u.Scheme == "" {
			return nil, NewProxyError(ErrInvalidURL, "URL %q has no scheme", rawURL)
		}
		return nil, NewProxyError(ErrInvalidURL, "scheme %q is not allowed", u.Scheme)
	}

	if u.Host == "" {
		return nil, NewProxyError(ErrInvalidURL, "URL %q has no host", rawURL)
	}

	return u, nil
}

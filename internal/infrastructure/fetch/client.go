package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
	"github.com/imgveil/imgveil-go-client/internal/domain/port"
	"github.com/imgveil/imgveil-go-client/internal/domain/service"
)

// fetchUserAgent is the fixed generic User-Agent sent with every request.
// Nothing about the installation or the host application leaks through it.
const fetchUserAgent = "Mozilla/5.0 (compatible; ImageProxy/1.0)"

// maxRedirects bounds redirect chains.
const maxRedirects = 3

// strippedHeaders are identity-leaking headers that are never sent and that
// callers are not permitted to set.
var strippedHeaders = map[string]bool{
	"cookie":              true,
	"set-cookie":          true,
	"referer":             true,
	"authorization":       true,
	"proxy-authorization": true,
	"user-agent":          true,
	"x-forwarded-for":     true,
	"forwarded":           true,
	"via":                 true,
	"from":                true,
	"origin":              true,
}

// Client fetches images over the virtual network stack with a minimal,
// fixed header set and validates that responses really are images.
type Client struct {
	logger     port.Logger
	maxBytes   int64
	httpClient *http.Client
}

// NewClient creates a fetch client that dials through the given dialer
// (normally the tunnel). maxBytes caps a single response body.
func NewClient(dialer port.StreamDialer, maxBytes int64, logger port.Logger) *Client {
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout: 10 * time.Second,
		DisableKeepAlives:   true,
		DisableCompression:  true,
	}

	return &Client{
		logger:   logger,
		maxBytes: maxBytes,
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
					return fmt.Errorf("redirect to disallowed scheme %q", req.URL.Scheme)
				}
				return nil
			},
		},
	}
}

// Fetch performs a single unconditional GET and returns the validated image
// bytes. Caller headers are merged, except identity-leaking ones.
func (c *Client) Fetch(ctx context.Context, rawURL string, headers map[string]string) (*model.ImageResponse, error) {
	u, perr := model.ValidateFetchURL(rawURL)
	if perr != nil {
		return nil, perr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, model.WrapProxyError(model.ErrInvalidURL, err, "failed to build request for %q", rawURL)
	}

	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "image/*,*/*;q=0.8")

	for name, value := range headers {
		if strippedHeaders[strings.ToLower(name)] {
			c.logger.Debug("Ignoring caller header %q", name)
			continue
		}
		req.Header.Set(name, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyFetchError(err, rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, model.NewProxyError(model.ErrHTTP, "server returned status %d for %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, classifyFetchError(err, rawURL)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, model.NewProxyError(model.ErrContentRejected, "response exceeds the %d byte limit", c.maxBytes)
	}

	contentType, perr := service.CheckImageContent(resp.Header.Get("Content-Type"), body)
	if perr != nil {
		return nil, perr
	}

	return &model.ImageResponse{
		Bytes:       body,
		ContentType: contentType,
	}, nil
}

// classifyFetchError maps transport-layer failures to typed errors. Errors
// that are already typed (e.g. a connect timeout from the virtual stack)
// pass through unchanged.
func classifyFetchError(err error, rawURL string) *model.ProxyError {
	var pe *model.ProxyError
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return model.WrapProxyError(model.ErrConnectTimeout, err, "fetch of %s timed out", rawURL)
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostnameErr) {
		return model.WrapProxyError(model.ErrTLS, err, "certificate validation failed for %s", rawURL)
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) || strings.Contains(err.Error(), "tls:") {
		return model.WrapProxyError(model.ErrTLS, err, "TLS negotiation failed for %s", rawURL)
	}

	if strings.Contains(err.Error(), "redirect") {
		return model.WrapProxyError(model.ErrHTTP, err, "fetch of %s failed", rawURL)
	}

	return model.WrapProxyError(model.ErrNetworkUnavailable, err, "fetch of %s failed", rawURL)
}

// Ensure Client implements port.ImageFetcher
var _ port.ImageFetcher = (*Client)(nil)

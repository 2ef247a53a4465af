// Package httpclient is the thin HTTP wrapper fleetd's sync engine and job
// delivery fall back to: conditional GET with ETag, gzip-compressed PATCH,
// a device API key on every request, and errors classified into
// agenterrors.Kind instead of returned as opaque *url.Error values.
package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/fleetd/pkg/agenterrors"
)

const headerAPIKey = "X-Device-API-Key"

// Client wraps net/http with the conventions every cloud call in fleetd
// needs.
type Client struct {
	httpClient *http.Client
	apiKey     string
}

// New creates a Client that authenticates every request with apiKey.
func New(apiKey string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     apiKey,
	}
}

// GetOptions configures a conditional GET.
type GetOptions struct {
	IfNoneMatch string
	Headers     map[string]string
	Timeout     time.Duration
}

// GetResult is the outcome of a successful (non-304, non-error) GET.
type GetResult struct {
	Body       []byte
	ETag       string
	StatusCode int
}

// ErrNotModified is returned (unwrapped) by Get when the server answers 304;
// it is a value the caller branches on, not a failure.
var ErrNotModified = fmt.Errorf("not modified")

// Get performs a conditional GET. A 304 response returns the bare
// ErrNotModified sentinel as the error (not an agenterrors.Error, checked
// via IsNotModified) so callers can't mistake it for a real failure.
func (c *Client) Get(ctx context.Context, url string, opts GetOptions) (*GetResult, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(headerAPIKey, c.apiKey)
	if opts.IfNoneMatch != "" {
		req.Header.Set("If-None-Match", opts.IfNoneMatch)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, ErrNotModified
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, agenterrors.New(agenterrors.TransientNetwork, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode >= 400 {
		return nil, classifyStatusErr(resp.StatusCode)
	}

	return &GetResult{
		Body:       body,
		ETag:       resp.Header.Get("ETag"),
		StatusCode: resp.StatusCode,
	}, nil
}

// IsNotModified reports whether err is the ErrNotModified sentinel.
func IsNotModified(err error) bool {
	return err == ErrNotModified
}

// PatchOptions configures a PATCH.
type PatchOptions struct {
	Gzip    bool
	Headers map[string]string
	Timeout time.Duration
}

// Patch sends body (JSON-encoded by the caller) as a PATCH request,
// gzip-compressing it first when opts.Gzip is set.
func (c *Client) Patch(ctx context.Context, url string, body []byte, opts PatchOptions) error {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	payload := body
	if opts.Gzip {
		compressed, err := gzipCompress(body)
		if err != nil {
			return fmt.Errorf("failed to gzip request body: %w", err)
		}
		payload = compressed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(headerAPIKey, c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if opts.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportErr(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return classifyStatusErr(resp.StatusCode)
	}
	return nil
}

func gzipCompress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func classifyTransportErr(err error) error {
	if ctxErr := err; ctxErr != nil {
		if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
			return agenterrors.New(agenterrors.TransientNetwork, fmt.Errorf("request timed out: %w", err))
		}
	}
	return agenterrors.New(agenterrors.TransientNetwork, fmt.Errorf("network unreachable: %w", err))
}

func classifyStatusErr(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return agenterrors.WithStatus(agenterrors.AuthError, code, fmt.Errorf("http %d", code))
	case code >= 400 && code < 500:
		return agenterrors.WithStatus(agenterrors.ProtocolError, code, fmt.Errorf("http %d", code))
	default:
		return agenterrors.WithStatus(agenterrors.TransientNetwork, code, fmt.Errorf("http %d", code))
	}
}

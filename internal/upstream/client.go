// Package upstream talks to the single configured upstream AI provider:
// a buffered client for JSON request/response endpoints, a streaming client
// for SSE passthrough, and the shape translations the OpenAI-compatible
// surface needs that the upstream doesn't natively produce.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// authMode selects which header carries the credential: Bearer for
// chat/embeddings/images, x-goog-api-key for model listing.
type authMode int

const (
	AuthBearer authMode = iota
	AuthGoogleAPIKey
)

// BufferedResult is the tagged outcome of a non-streaming call.
type BufferedResult struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Client issues HTTP calls to the configured upstream base URL.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewClient builds a client rooted at baseURL; every call carries the
// given per-request timeout budget.
func NewClient(baseURL string, requestTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:        baseURL,
		httpClient:     &http.Client{},
		requestTimeout: requestTimeout,
		logger:         logger.With("component", "upstream_client"),
	}
}

// Buffered issues a request and returns status+body+headers, or a
// *CallError on transport failure. A non-2xx HTTP status is NOT itself a
// transport error — the caller inspects StatusCode.
func (c *Client) Buffered(ctx context.Context, method, path string, body []byte, mode authMode, credential string) (*BufferedResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &CallError{Cause: fmt.Errorf("build request: %w", err)}
	}
	applyAuth(req, mode, credential)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &CallError{Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CallError{Status: resp.StatusCode, Cause: fmt.Errorf("read response body: %w", err)}
	}

	c.logger.Debug("upstream call completed",
		"method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	return &BufferedResult{StatusCode: resp.StatusCode, Body: respBody, Headers: resp.Header}, nil
}

// StreamingResult is the raw response handed back for SSE passthrough; the
// caller is responsible for closing Body once fully drained.
type StreamingResult struct {
	StatusCode int
	Body       io.ReadCloser
	Headers    http.Header
}

// Streaming issues a request and returns the raw response for passthrough.
// The timeout is armed on the request context for connection setup and
// header receipt, but must not fire while the caller is still draining the
// body — so cancel is NOT deferred here. Instead it's wired to the
// returned body's Close, so the context outlives the call and is only
// torn down once the caller is done reading (or gives up early).
func (c *Client) Streaming(ctx context.Context, method, path string, body []byte, mode authMode, credential string) (*StreamingResult, error) {
	headerCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)

	req, err := http.NewRequestWithContext(headerCtx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, &CallError{Cause: fmt.Errorf("build request: %w", err)}
	}
	applyAuth(req, mode, credential)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &CallError{Cause: err}
	}

	return &StreamingResult{StatusCode: resp.StatusCode, Body: &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}, Headers: resp.Header}, nil
}

// cancelOnCloseBody defers the per-request timeout context's cancel until
// the body is closed, so the context stays live for the whole drain instead
// of firing (and killing the in-flight read) the moment Streaming returns.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func applyAuth(req *http.Request, mode authMode, credential string) {
	switch mode {
	case AuthGoogleAPIKey:
		req.Header.Set("x-goog-api-key", credential)
	default:
		req.Header.Set("Authorization", "Bearer "+credential)
	}
}

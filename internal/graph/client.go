// Package graph is the HTTP client for the social graph API.
//
// The client owns transport concerns only: URL construction, JSON
// encode/decode, transparent retry on 5xx, and per-request metrics. All
// API-specific error recovery lives in the fetch package; all token policy
// lives in dispatch.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fbextract/internal/metrics"
)

// DefaultBaseURL is the production graph API endpoint.
const DefaultBaseURL = "https://graph.facebook.com"

// retryableStatus are the only statuses retried internally. 4xx is never
// retried; callers decide what a 4xx means.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Options configures a Client. The zero value is usable for tests against an
// httptest server (set BaseURL).
type Options struct {
	BaseURL string

	// JobName tags HTTP metrics (job:<name>).
	JobName string

	// MaxAttempts caps attempts per call, including the first. <=0 means 5.
	MaxAttempts int
	// BaseBackoff/MaxBackoff shape the exponential retry delay.
	// Defaults: 2s base, 60s max.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// HTTPClient overrides the underlying client (tests, custom transports).
	HTTPClient *http.Client

	// Sleep is a seam for deterministic tests; nil means real waiting.
	Sleep func(ctx context.Context, d time.Duration) bool
}

// Client issues JSON requests against the graph API.
type Client struct {
	base        string
	job         string
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	hc          *http.Client
	sleep       func(ctx context.Context, d time.Duration) bool
}

// New constructs a Client with sane production defaults.
func New(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	job := opts.JobName
	if job == "" {
		job = "fbextract"
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	baseBackoff := opts.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = 2 * time.Second
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 60 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 16,
			},
		}
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Client{
		base:        base,
		job:         job,
		maxAttempts: attempts,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		hc:          hc,
		sleep:       sleep,
	}
}

// Get issues a GET for path (e.g. "v23.0/12345/feed") with query params.
//
// Errors:
//   - *APIError for any final non-2xx response (5xx only after retries are
//     exhausted; 4xx immediately).
//   - Transport errors are retried like 5xx and returned wrapped when final.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (map[string]any, error) {
	u := c.base + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return c.do(ctx, http.MethodGet, u, nil)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body map[string]any) (map[string]any, error) {
	u := c.base + "/" + strings.TrimLeft(path, "/")
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("graph: encode body: %w", err)
	}
	return c.do(ctx, http.MethodPost, u, payload)
}

func (c *Client) do(ctx context.Context, method, u string, body []byte) (map[string]any, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		res, err := c.attempt(ctx, method, u, body)
		if err == nil {
			return res, nil
		}
		lastErr = err

		ae, isAPI := AsAPIError(err)
		if isAPI && !retryableStatus(ae.StatusCode) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == c.maxAttempts {
			break
		}

		wait := retryDelay(attempt, c.baseBackoff, c.maxBackoff)
		log.Printf("stage=http retry attempt=%d wait=%s err=%v", attempt, wait, err)
		if !c.sleep(ctx, wait) {
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// attempt performs exactly one HTTP round trip and decodes the response.
func (c *Client) attempt(ctx context.Context, method, u string, body []byte) (map[string]any, error) {
	start := time.Now()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("graph: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		metrics.RecordHTTP(c.job, 0, err, time.Since(start), -1, -1)
		return nil, fmt.Errorf("graph: %s: %w", method, err)
	}
	reqDur := time.Since(start)
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	respDur := time.Since(start)
	metrics.RecordHTTP(c.job, resp.StatusCode, readErr, reqDur, respDur, int64(len(raw)))
	if readErr != nil {
		return nil, fmt.Errorf("graph: read response: %w", readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("graph: decode response: %w", err)
	}
	return out, nil
}

// retryDelay computes the exponential backoff for a failed attempt, clamped
// to max.
func retryDelay(attempt int, base, max time.Duration) time.Duration {
	d := base << uint(attempt-1)
	if d > max {
		d = max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

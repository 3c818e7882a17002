package fundamentals

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"
)

// ReportFetcher retrieves one raw report document.
type ReportFetcher interface {
	Fetch(ctx context.Context, symbol, reportType string) ([]byte, error)
}

// Client is an HTTP ReportFetcher for the reports API. HTTP 429 and 5xx
// responses are retried with exponential backoff and jitter.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry overrides the retry policy.
func WithRetry(attempts int, base, cap time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = attempts
		c.retryBase = base
		c.retryCap = cap
	}
}

// NewClient builds a reports client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 4,
		retryBase:  time.Second,
		retryCap:   8 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch GETs /reports/<symbol>/<type> and returns the body.
func (c *Client) Fetch(ctx context.Context, symbol, reportType string) ([]byte, error) {
	u := fmt.Sprintf("%s/reports/%s/%s", c.baseURL, url.PathEscape(symbol), url.PathEscape(reportType))

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("reports api %s %s: status %d", symbol, reportType, resp.StatusCode)
			continue
		default:
			return nil, fmt.Errorf("reports api %s %s: status %d", symbol, reportType, resp.StatusCode)
		}
	}
	return nil, fmt.Errorf("reports api %s %s: retries exhausted: %w", symbol, reportType, lastErr)
}

// backoff doubles per attempt, capped, with 20% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.retryBase << (attempt - 1)
	if d > c.retryCap {
		d = c.retryCap
	}
	jitter := time.Duration(rand.Int64N(int64(d)/5 + 1))
	return d - time.Duration(int64(d)/10) + jitter
}

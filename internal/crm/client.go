package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	maxAttempts    = 3
	backoffBase    = 1 * time.Second
	backoffCap     = 8 * time.Second
	requestTimeout = 30 * time.Second
)

// APIError is a non-2xx response from the external CRM.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("amocrm error %d: %s", e.Status, e.Body)
}

// Client is the single retrying HTTP wrapper for all CRM calls.
// Transport errors and non-2xx responses are retried up to maxAttempts
// with exponential backoff; exhaustion surfaces the final error.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewClient normalizes baseURL to scheme://host[:port] and builds the client.
func NewClient(baseURL, accessToken string) (*Client, error) {
	base := strings.TrimSpace(baseURL)
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("amocrm base url must contain a valid host: %q", baseURL)
	}

	return &Client{
		baseURL:     parsed.Scheme + "://" + parsed.Host,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: requestTimeout},
		sleep:       time.Sleep,
	}, nil
}

// Request performs one CRM API call with retries. A non-nil body is
// JSON-encoded. The response body is returned raw.
func (c *Client) Request(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := backoffBase << (attempt - 2)
			if wait > backoffCap {
				wait = backoffCap
			}
			c.sleep(wait)
		}

		respBody, err := c.do(ctx, method, path, payload)
		if err == nil {
			return respBody, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, lastErr
		}
		slog.Warn("CRM request failed", "method", method, "path", path, "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

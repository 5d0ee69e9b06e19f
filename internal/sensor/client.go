// Package sensor fetches the latest reading from the remote telemetry producer.
package sensor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rewired-gh/agrolens/internal/logger"
)

// maxBodySize caps how much of a telemetry response is read.
const maxBodySize = 4 << 20

// FetchError reports that the telemetry source was unreachable or returned
// something other than a JSON object.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("telemetry source %s returned status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("telemetry source %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Client provides access to the telemetry producer
type Client struct {
	url        string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a new telemetry client
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

// URL returns the configured telemetry endpoint.
func (c *Client) URL() string {
	return c.url
}

// Fetch retrieves one snapshot and returns its body. The body is guaranteed to
// be a single JSON object; any subset of sections may be absent.
func (c *Client) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, &FetchError{URL: c.url, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	logger.Debug("[Sensor] fetching snapshot from %s", c.url)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: c.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: c.url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, &FetchError{URL: c.url, Err: fmt.Errorf("failed to read body: %w", err)}
	}
	if len(body) > maxBodySize {
		return nil, &FetchError{URL: c.url, Err: fmt.Errorf("body exceeds %s", humanize.Bytes(maxBodySize))}
	}

	if err := checkObject(body); err != nil {
		return nil, &FetchError{URL: c.url, Err: err}
	}

	logger.Debug("[Sensor] fetched %s from %s", humanize.Bytes(uint64(len(body))), c.url)
	return body, nil
}

func checkObject(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("failed to decode snapshot: body is not a JSON object")
	}
	if !json.Valid(trimmed) {
		return errors.New("failed to decode snapshot: invalid JSON")
	}
	return nil
}

// Package indexer fetches the on-chain bytecode CID recorded for a
// contract address from the chain indexer.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ErrNotIndexed is returned when the indexer has no bytecode recorded
// for the address.
var ErrNotIndexed = errors.New("address not indexed")

// Source yields the on-chain bytecode CID for an address. The compile
// pipeline consumes this exactly once per job, after the build succeeds.
type Source interface {
	BytecodeCID(ctx context.Context, address string) (string, error)
}

// Client is an HTTP Source backed by the indexer API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retries    int
	logger     *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetries sets how many times a failed fetch is retried.
func WithRetries(n int) Option {
	return func(client *Client) {
		client.retries = n
	}
}

// New creates an indexer client.
func New(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		retries: 2,
		logger:  logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BytecodeCID fetches the bytecode CID the chain recorded for address.
// Transient failures (network errors, 5xx) are retried with exponential
// backoff; a 404 means the address is not indexed and is not retried.
func (c *Client) BytecodeCID(ctx context.Context, address string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * 500 * time.Millisecond
			c.logger.Debug("retrying indexer fetch", "address", address, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		cid, err := c.fetch(ctx, address)
		if err == nil {
			return cid, nil
		}
		if errors.Is(err, ErrNotIndexed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("indexer unavailable after %d attempts: %w", c.retries+1, lastErr)
}

func (c *Client) fetch(ctx context.Context, address string) (string, error) {
	path := fmt.Sprintf("%s/api/v1/contracts/%s/bytecode-cid", c.baseURL, url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrNotIndexed
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("indexer returned HTTP %d", resp.StatusCode)
	}

	var body struct {
		CID string `json:"cid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding indexer response: %w", err)
	}
	if body.CID == "" {
		return "", fmt.Errorf("indexer returned empty cid")
	}
	return body.CID, nil
}

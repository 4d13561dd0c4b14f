// Package client provides a Go client for the Veriforge API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client is a Veriforge API client
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// New creates a new Veriforge client
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SourceFile is one file of the submitted source bundle. Content travels
// base64-encoded on the wire.
type SourceFile struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// VerifyRequest is a verification submission for a contract address.
// Dependencies map dependency names to exact version pins; the JSON key
// order of the object is preserved by the server.
type VerifyRequest struct {
	Submitter    string          `json:"submitter"`
	License      string          `json:"license"`
	Language     string          `json:"language"`
	Dependencies json.RawMessage `json:"dependencies,omitempty"`
	Files        []SourceFile    `json:"files"`
}

// VerifyAccepted is the server's acknowledgement of a submission.
type VerifyAccepted struct {
	Address string `json:"address"`
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
}

// Contract is the verification record for an address.
type Contract struct {
	Address      string          `json:"address"`
	Status       string          `json:"status"`
	License      string          `json:"license,omitempty"`
	Language     string          `json:"language,omitempty"`
	BytecodeCID  string          `json:"bytecodeCid,omitempty"`
	ComputedCID  string          `json:"computedCid,omitempty"`
	Submitter    string          `json:"submitter,omitempty"`
	Dependencies json.RawMessage `json:"dependencies,omitempty"`
	Diagnostics  string          `json:"diagnostics,omitempty"`
	CreatedAt    string          `json:"createdAt,omitempty"`
	VerifiedAt   string          `json:"verifiedAt,omitempty"`
}

// APIError represents an API error response
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Verify submits a verification request for a contract address.
func (c *Client) Verify(ctx context.Context, address string, req VerifyRequest) (*VerifyAccepted, error) {
	var resp VerifyAccepted
	path := "/api/v1/verify/" + url.PathEscape(address)
	if err := c.post(ctx, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Contract fetches the verification record for an address. An address
// the server has never seen yields a record with status "not_found".
func (c *Client) Contract(ctx context.Context, address string) (*Contract, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/contract/"+url.PathEscape(address), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// 404 still carries the record body with status "not_found".
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return nil, c.parseError(resp)
	}

	var record Contract
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Licenses lists the supported licenses.
func (c *Client) Licenses(ctx context.Context) ([]string, error) {
	return c.registryNames(ctx, "/api/v1/licenses")
}

// Languages lists the supported languages.
func (c *Client) Languages(ctx context.Context) ([]string, error) {
	return c.registryNames(ctx, "/api/v1/languages")
}

func (c *Client) registryNames(ctx context.Context, path string) ([]string, error) {
	var resp struct {
		Data []string `json:"data"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.parseError(resp)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

func (c *Client) parseError(resp *http.Response) error {
	var errResp struct {
		Error APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error.Code == "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	return &errResp.Error
}

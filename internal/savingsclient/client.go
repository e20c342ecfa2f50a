// Package savingsclient is a typed HTTP client for the savingsd API, used by
// the CLI tools and integration harnesses.
package savingsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

var ErrInvalidClientConfig = errors.New("savingsclient: invalid client config")

// APIError is a non-200 response from the daemon, decoded from its JSON error
// envelope.
type APIError struct {
	StatusCode int
	Code       string
	Op         string
	Detail     string
}

func (e *APIError) Error() string {
	msg := e.Code
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Detail != "" {
		return fmt.Sprintf("savingsclient: status %d: %s: %s", e.StatusCode, msg, e.Detail)
	}
	return fmt.Sprintf("savingsclient: status %d: %s", e.StatusCode, msg)
}

type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidClientConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

type Client struct {
	baseURL      *url.URL
	hc           *http.Client
	maxRespBytes int64
}

func New(baseURL string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientConfig)
	}

	c := &Client{
		baseURL: u,
		// Deposits block server-side until confirmation depth; the default
		// timeout has to cover that.
		hc:           &http.Client{Timeout: 15 * time.Minute},
		maxRespBytes: 1 << 20,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Deposit submits one deposit and blocks until the daemon reports the
// attempt's terminal state. Rejections come back as *APIError.
func (c *Client) Deposit(ctx context.Context, req DepositRequest) (DepositResponse, error) {
	var out DepositResponse
	err := c.do(ctx, http.MethodPost, "/v1/deposits", req, &out)
	return out, err
}

// Attempt looks up one attempt in the daemon's history.
func (c *Client) Attempt(ctx context.Context, attemptID string) (AttemptResponse, error) {
	var out AttemptResponse
	err := c.do(ctx, http.MethodGet, "/v1/deposits/"+url.PathEscape(strings.TrimSpace(attemptID)), nil, &out)
	return out, err
}

// Status returns the in-flight operation snapshot.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

// Position returns the account's pool balance.
func (c *Client) Position(ctx context.Context) (PositionResponse, error) {
	var out PositionResponse
	err := c.do(ctx, http.MethodGet, "/v1/position", nil, &out)
	return out, err
}

// Reset abandons the daemon's in-flight operation tracking.
func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/reset", nil, nil)
}

func (c *Client) do(ctx context.Context, method, p string, in any, out any) error {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, p)

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("savingsclient: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	r, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("savingsclient: build request: %w", err)
	}
	r.Header.Set("Accept", "application/json")
	if in != nil {
		r.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("savingsclient: http do: %w", err)
	}
	defer resp.Body.Close()

	raw, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error  string `json:"error"`
			Op     string `json:"op"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			apiErr.Code = envelope.Error
			apiErr.Op = envelope.Op
			apiErr.Detail = envelope.Detail
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("savingsclient: unmarshal response: %w", err)
	}
	return nil
}

func joinPath(basePath string, suffix string) string {
	// path.Join cleans up redundant slashes, but preserves a leading slash.
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("savingsclient: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("savingsclient: response too large")
	}
	return b, nil
}

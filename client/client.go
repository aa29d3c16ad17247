// Package client is a Go client for a remote vacalibration server. It
// covers the job, batch and cache endpoints over HTTP, and follows a job's
// events over the WebSocket endpoint.
//
// Usage:
//
//	c := client.New("https://calibration.example.com",
//	    client.WithToken("k_..."),
//	)
//
//	// Submit a job.
//	j, err := c.Submit(ctx, "calibration", input)
//
//	// Watch its events until it finishes.
//	w, err := c.Watch(ctx, j.ID.String(), 0)
//	defer w.Close()
//	for e := range w.Events() {
//	    fmt.Printf("%d %s\n", e.Seq, e.Kind)
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/backoff"
	"github.com/cliu238/vacalibration/live"
)

// Client talks to a vacalibration server.
type Client struct {
	baseURL string
	token   string
	format  string
	logger  *slog.Logger
	http    *http.Client

	// Reconnection.
	reconnect  bool
	maxRetries int
	backoff    backoff.Strategy
}

// New creates a client for the server at baseURL, for example
// "http://localhost:8000".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		format:     live.CodecNameJSON,
		logger:     slog.Default(),
		http:       &http.Client{Timeout: 30 * time.Second},
		reconnect:  true,
		maxRetries: 5,
		backoff:    backoff.NewExponentialWithJitter(500*time.Millisecond, 30*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response. It matches the vacalibration sentinel
// for its status code with errors.Is.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vacalibration/client: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Unwrap returns the sentinel error the server mapped to the status code.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return vacalibration.ErrInvalidInput
	case http.StatusUnauthorized:
		return live.ErrUnauthorized
	case http.StatusForbidden:
		return vacalibration.ErrForbidden
	case http.StatusNotFound:
		return vacalibration.ErrJobNotFound
	case http.StatusConflict:
		return vacalibration.ErrInvalidTransition
	case http.StatusUnprocessableEntity:
		return vacalibration.ErrMaxRetriesExceeded
	case http.StatusServiceUnavailable:
		return vacalibration.ErrUnavailable
	default:
		return nil
	}
}

// do sends a request and decodes a JSON response into out when out is
// not nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-API-Key", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return vacalibration.Unavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck // best-effort error body
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Health pings the server's store.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Stats returns the server's job, connection and broker statistics.
func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

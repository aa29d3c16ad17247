package client

import (
	"log/slog"
	"net/http"

	"github.com/cliu238/vacalibration/backoff"
)

// Option configures a Client.
type Option func(*Client)

// WithToken sets the API key sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithFormat sets the live frame encoding.
// Supported values: "json" (default), "msgpack".
func WithFormat(format string) Option {
	return func(c *Client) { c.format = format }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithReconnect sets how many times in a row a watch may reconnect and
// the delay between attempts.
func WithReconnect(maxRetries int, b backoff.Strategy) Option {
	return func(c *Client) {
		c.reconnect = maxRetries > 0
		c.maxRetries = maxRetries
		if b != nil {
			c.backoff = b
		}
	}
}

// WithoutReconnect makes a watch end at the first dropped connection.
func WithoutReconnect() Option {
	return func(c *Client) { c.reconnect = false }
}

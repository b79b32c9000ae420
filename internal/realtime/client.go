// Package realtime dials the speech-to-speech AI leg.
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/callbridge/internal/reliability"
)

type Config struct {
	APIKey           string
	URL              string
	Model            string
	HandshakeTimeout time.Duration
}

// Client opens authenticated realtime websocket sessions. It is safe for
// concurrent use.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
}

// HandshakeError reports a rejected websocket upgrade.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("realtime handshake rejected with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Retryable reports whether the remote described the failure as transient.
func (e *HandshakeError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

// Endpoint returns the websocket URL including the model query parameter.
func (c *Client) Endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	if strings.TrimSpace(c.cfg.Model) != "" {
		q := u.Query()
		q.Set("model", c.cfg.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Headers returns the bearer credential and protocol-version headers.
func (c *Client) Headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.APIKey)
	h.Set("OpenAI-Beta", "realtime=v1")
	return h
}

func (c *Client) Dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := c.Endpoint()
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, c.Headers())
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("dial realtime websocket: %w", err)
	}
	return conn, nil
}

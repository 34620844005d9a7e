// Package history fetches recent chat messages from the REST endpoint.
package history

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/omochice/stomp-chat/pkg/protocol"
	"github.com/rs/zerolog"
)

const (
	// Path is the history endpoint relative to the API base URL.
	Path = "/api/chat/messages"

	// MinLimit and MaxLimit bound the requested history size.
	MinLimit     = 1
	MaxLimit     = 200
	DefaultLimit = 50

	maxBodyBytes = 4 << 20
)

// Client fetches history from a chat server.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l.With().Str("component", "history").Logger() }
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClampLimit forces limit into [MinLimit, MaxLimit].
func ClampLimit(limit int) int {
	return max(MinLimit, min(limit, MaxLimit))
}

// Fetch returns up to limit messages, newest first, as the server sends them.
func (c *Client) Fetch(ctx context.Context, limit int) ([]protocol.Inbound, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(ClampLimit(limit)))
	endpoint := c.baseURL + Path + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create history request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch history: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	msgs, err := protocol.ParseHistory(body)
	if err != nil {
		return nil, err
	}
	c.log.Debug().Int("count", len(msgs)).Msg("history fetched")
	return msgs, nil
}

// Package gatewayapi calls the gateway's bot REST endpoints: persona
// description, world memory and social state. Every call is one-shot with
// its own timeout; nothing is retried.
package gatewayapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("gateway api: base url or token not configured")

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway api: http %d", e.Code)
	}
	return fmt.Sprintf("gateway api: http %d: %s", e.Code, e.Body)
}

const maxErrorBody = 200

// Per-operation timeouts.
const (
	DescriptionTimeout = 10 * time.Second
	SearchTimeout      = 3 * time.Second
	MemoryTimeout      = 8 * time.Second
	AffinityTimeout    = 8 * time.Second
	SocialStateTimeout = 2 * time.Second
)

type TokenSource interface {
	Token() string
}

type Client struct {
	base       string
	tokens     TokenSource
	httpClient *http.Client
}

// New derives the REST base from the gateway URL (ws→http, wss→https).
// An empty URL yields a client whose calls return ErrNotConfigured.
func New(gatewayURL string, tokens TokenSource) (*Client, error) {
	base, err := BaseURL(gatewayURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		base:       base,
		tokens:     tokens,
		httpClient: &http.Client{},
	}, nil
}

func BaseURL(gatewayURL string) (string, error) {
	raw := strings.TrimRight(strings.TrimSpace(gatewayURL), "/")
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("gateway url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid gateway url: %s", gatewayURL)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

func (c *Client) token() string {
	if c.tokens == nil {
		return ""
	}
	return strings.TrimSpace(c.tokens.Token())
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, query url.Values, body, out any) error {
	token := c.token()
	if c.base == "" || token == "" {
		return ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(b))
		if r := []rune(msg); len(r) > maxErrorBody {
			msg = string(r[:maxErrorBody])
		}
		return &StatusError{Code: resp.StatusCode, Body: msg}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// UpdateDescription pushes the persona description for a player.
func (c *Client) UpdateDescription(ctx context.Context, playerID, description string) error {
	body := map[string]any{"playerId": playerID, "description": description}
	return c.do(ctx, DescriptionTimeout, http.MethodPost, "/api/bot/description/update", nil, body, nil)
}

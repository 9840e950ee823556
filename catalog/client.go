package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amiko-app/plugin-runtime/logging"
)

// ErrNotLoggedIn reports that the catalog rejected our credentials. The
// presentation layer shows it as "not logged in" and offers sign-in.
var ErrNotLoggedIn = errors.New("not logged in")

// TokenSource supplies the bearer token for catalog requests. The plugin
// runtime never stores credentials itself; the surrounding application
// owns them.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken returns a TokenSource serving a fixed token. Meant for dev
// tooling; the application injects a real source.
func StaticToken(token string) TokenSource {
	return TokenFunc(func(context.Context) (string, error) {
		return token, nil
	})
}

type clientConfig struct {
	httpClient *http.Client
	logger     *slog.Logger
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logging.Discard(),
	}
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

// WithHTTPClient substitutes the HTTP client, usually the application's
// authenticated one.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) {
		c.httpClient = hc
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// Client fetches plugin listings and bundles from the catalog service.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	log     *slog.Logger
}

// NewClient returns a Client for the service at baseURL.
func NewClient(baseURL string, tokens TokenSource, opts ...ClientOption) *Client {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    cfg.httpClient,
		log:     cfg.logger.With("component", "catalog"),
	}
}

// List fetches the approved plugin entries. Entries are returned as
// served; callers filter with FilterValid.
func (c *Client) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := c.getJSON(ctx, "/plugins", &entries); err != nil {
		return nil, err
	}
	c.log.Debug("catalog listed", "entries", len(entries))
	return entries, nil
}

// Download fetches the bundle for one plugin version. A response missing
// any of manifest, code, or hash is rejected outright.
func (c *Client) Download(ctx context.Context, id, version string) (*Bundle, error) {
	path := fmt.Sprintf("/plugins/%s/%s", url.PathEscape(id), url.PathEscape(version))
	var b Bundle
	if err := c.getJSON(ctx, path, &b); err != nil {
		return nil, err
	}
	if b.ManifestJSON == "" || b.Code == "" || b.SHA256 == "" {
		return nil, fmt.Errorf("download plugin %s@%s: incomplete bundle response", id, version)
	}
	return &b, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve catalog token: %w", err)
	}
	if token == "" {
		return ErrNotLoggedIn
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build catalog request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("catalog request %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrNotLoggedIn
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("catalog request %s: unexpected status %s", path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode catalog response %s: %w", path, err)
	}
	return nil
}

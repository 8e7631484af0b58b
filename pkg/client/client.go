// Package client reads the status API of a running unitd.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"
)

// ErrNotFound is returned by Unit for units the daemon has no file for.
var ErrNotFound = errors.New("unit not found")

// Client talks to one daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	token      string
	user, pass string
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations

	// Token is sent as a bearer credential; Username and Password as Basic
	// credentials when Token is empty.
	Token    string
	Username string
	Password string

	// CACert is a PEM file trusted in addition to the system roots.
	CACert   string
	Insecure bool // Skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a client. It fails only when CACert cannot be loaded.
func New(config Config) (*Client, error) {
	d := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = d.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = d.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.CACert != "" || config.Insecure {
		tc, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tc
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		token:   config.Token,
		user:    config.Username,
		pass:    config.Password,
	}, nil
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		// #nosec G402 opt-in for self-signed development certificates
		tc.InsecureSkipVerify = true
		return tc, nil
	}
	// #nosec G304 path chosen by the caller
	pem, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", config.CACert)
	}
	tc.RootCAs = pool
	return tc, nil
}

// IsReachable checks if the daemon is running and accepts our credentials.
func (c *Client) IsReachable(ctx context.Context) bool {
	resp, err := c.do(ctx, "/reliability", nil)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	c.logger.Debug("Daemon reachability check", "status", resp.StatusCode)
	return resp.StatusCode == http.StatusOK
}

// Units lists units matching q.
func (c *Client) Units(ctx context.Context, q UnitQuery) ([]UnitStatus, error) {
	v := url.Values{}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	if q.Active != "" {
		v.Set("active", q.Active)
	}
	var out []UnitStatus
	err := c.get(ctx, "/units", v, &out)
	return out, err
}

// Unit returns one unit with its dependencies. Units the daemon cannot find
// a file for give ErrNotFound.
func (c *Client) Unit(ctx context.Context, id string) (UnitStatus, error) {
	var out UnitStatus
	err := c.get(ctx, "/units/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Reliability returns the daemon's store summary.
func (c *Client) Reliability(ctx context.Context) (ReliabilityStatus, error) {
	var out ReliabilityStatus
	err := c.get(ctx, "/reliability", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.user != "":
		req.SetBasicAuth(c.user, c.pass)
	}
	return c.client.Do(req)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.do(ctx, path, q)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}

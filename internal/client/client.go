// ABOUTME: Typed HTTP client for the device-login coordinator
// ABOUTME: Applies per-call timeouts, bearer auth, and maps responses onto the error taxonomy

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
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultLoginTimeout   = 90 * time.Second
	maxErrorBody          = 4096
)

// TokenSource supplies the current bearer token. It is called on every
// authenticated request; implementations must not cache across calls.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() string

// Token implements TokenSource.
func (f TokenFunc) Token() string { return f() }

// Client talks to the coordinator's HTTP API.
type Client struct {
	baseURL        string
	http           *http.Client
	tokens         TokenSource
	onUnauthorized func()
	requestTimeout time.Duration
	loginTimeout   time.Duration
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithUnauthorizedHandler sets the hook run when an authenticated call gets 401/403.
func WithUnauthorizedHandler(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// WithTimeouts sets the normal and the long (login/request creation) timeouts.
func WithTimeouts(request, login time.Duration) Option {
	return func(c *Client) {
		if request > 0 {
			c.requestTimeout = request
		}
		if login > 0 {
			c.loginTimeout = login
		}
	}
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the coordinator at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		http:           &http.Client{},
		requestTimeout: defaultRequestTimeout,
		loginTimeout:   defaultLoginTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "coordinator_client")
	return c
}

// BaseURL returns the coordinator URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// call describes one HTTP exchange.
type call struct {
	method string
	path   string
	body   any
	out    any

	// authenticated calls carry the bearer token and treat 401/403 as a dead session
	authenticated bool
	// credentialCall marks calls where 401 means wrong password
	credentialCall bool
	long           bool
	bearer         string
}

type errorBody struct {
	Error string `json:"error"`
}

// do performs c and decodes the response into c.out. On a non-2xx response it
// returns an *APIError together with the raw status code.
func (c *Client) do(ctx context.Context, cl call) (int, error) {
	timeout := c.requestTimeout
	if cl.long {
		timeout = c.loginTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if cl.body != nil {
		data, err := json.Marshal(cl.body)
		if err != nil {
			return 0, fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(callCtx, cl.method, c.baseURL+cl.path, body)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token := cl.bearer
	if cl.authenticated && token == "" {
		if c.tokens != nil {
			token = c.tokens.Token()
		}
		if token == "" {
			return 0, ErrNotSignedIn
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// The caller giving up is not a connectivity failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		c.logger.Debug("coordinator unreachable", "path", cl.path, "error", err)
		return 0, fmt.Errorf("%w: %s %s: %v", ErrNetworkUnreachable, cl.method, cl.path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := c.errorFromResponse(resp, cl.credentialCall)
		if cl.authenticated && errors.Is(apiErr, ErrUnauthorized) {
			c.logger.Warn("session rejected by coordinator", "path", cl.path, "status", resp.StatusCode)
			if c.onUnauthorized != nil {
				c.onUnauthorized()
			}
		}
		return resp.StatusCode, apiErr
	}

	if cl.out != nil {
		if err := json.NewDecoder(resp.Body).Decode(cl.out); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return resp.StatusCode, ctxErr
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return resp.StatusCode, fmt.Errorf("%w: reading %s: %v", ErrNetworkUnreachable, cl.path, err)
			}
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// errorFromResponse extracts the error message from a non-2xx response.
func (c *Client) errorFromResponse(resp *http.Response, credentialCall bool) *APIError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := strings.TrimSpace(string(data))
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
		msg = eb.Error
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    msg,
		kind:       classify(resp.StatusCode, credentialCall),
	}
}

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Options configures a Client.
type Options struct {
	// Backend names the remote system in errors and logs.
	Backend string

	// BaseURL is prepended to request paths.
	BaseURL string

	// Timeout bounds one attempt. Default 30s.
	Timeout time.Duration

	// Attempts is the total number of tries for transient failures. Default 3.
	Attempts int

	// Backoff is the delay before the first retry, doubled after each one.
	// Default 500ms.
	Backoff time.Duration

	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper

	Logger *slog.Logger
}

// Request describes one call. At most one of JSON, Form and Body is used,
// in that order.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header

	JSON any
	Form url.Values
	Body []byte

	// Idempotent allows retrying a POST or PATCH after a transient failure.
	// Other methods are always retried; a send or launch must leave it unset
	// so a timeout after the remote accepted it does not run it twice.
	Idempotent bool
}

func (r Request) retryable() bool {
	switch strings.ToUpper(r.Method) {
	case http.MethodPost, http.MethodPatch:
		return r.Idempotent
	default:
		return true
	}
}

// Client sends requests to one back-end.
type Client struct {
	backend  string
	baseURL  string
	http     *http.Client
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			DisableKeepAlives: true,
		}
	}

	return &Client{
		backend:  opts.Backend,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		http:     &http.Client{Timeout: opts.Timeout, Transport: transport},
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
		logger:   opts.Logger.With("backend", opts.Backend),
	}
}

// Backend returns the back-end name.
func (c *Client) Backend() string {
	return c.backend
}

// Do sends req and returns the response body of a 2xx answer. Transient
// failures are retried when req is retryable.
func (c *Client) Do(ctx context.Context, operation string, req Request) ([]byte, error) {
	attempts := c.attempts
	if !req.retryable() {
		attempts = 1
	}
	delay := c.backoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		body, err := c.once(ctx, operation, req)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == attempts || ctx.Err() != nil {
			break
		}

		c.logger.Warn("remote call failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, NewError(c.backend, operation, ErrCodeTimeout, "context done while waiting to retry").
				WithCause(ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

// DoJSON sends req and decodes the 2xx response body into out.
func (c *Client) DoJSON(ctx context.Context, operation string, req Request, out any) error {
	body, err := c.Do(ctx, operation, req)
	if err != nil {
		return err
	}
	return DecodeJSON(c.backend, operation, body, out)
}

func (c *Client) once(ctx context.Context, operation string, req Request) ([]byte, error) {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, NewError(c.backend, operation, ErrCodeInvalidRequest, "failed to build request").WithCause(err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		code := ErrCodeNetworkError
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			code = ErrCodeTimeout
		}
		return nil, NewError(c.backend, operation, code, "request failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(c.backend, operation, ErrCodeNetworkError, "failed to read response").WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := ErrCodeHTTPStatus
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			code = ErrCodeAuthFailed
		}
		return nil, NewError(c.backend, operation, code, truncate(string(body), 512)).WithStatus(resp.StatusCode)
	}
	return body, nil
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.JSON != nil:
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("failed to encode body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.Body != nil:
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	httpReq.Header.Set("Connection", "close")
	httpReq.Close = true
	return httpReq, nil
}

// DecodeJSON decodes body into out, reporting malformed bodies as *Error.
func DecodeJSON(backend, operation string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return NewError(backend, operation, ErrCodeMalformedResponse, "failed to decode response").WithCause(err)
	}
	return nil
}

// EscapeGraphQLString escapes s for use inside a double-quoted GraphQL
// string literal.
func EscapeGraphQLString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

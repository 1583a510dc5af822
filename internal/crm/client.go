// Package crm talks to the CRM over its JSON HTTP API. One Client serves as
// every collaborator the engine needs: subject lookup, signal feeds,
// messaging, email, notifications, surveys, scores, records and roles.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/rendis/cadence/pkg/schema"
)

const (
	defaultTimeout         = 15 * time.Second
	defaultMaxResponseBody = 4 * 1024 * 1024
)

// Config configures a Client.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is an HTTP client for the CRM API.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a Client for cfg.BaseURL.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "crm base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid crm base url %q", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{base: base, token: cfg.Token, http: hc, logger: logger}, nil
}

// apiError is the error body the CRM returns.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do sends one request. path must already be escaped. in is encoded as JSON
// when non-nil; out is decoded from a 2xx response when non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target := c.base.String() + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return schema.NewErrorf(schema.ErrCodeTimeout, "crm %s %s: %v", method, path, ctx.Err()).WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeDispatch, "crm %s %s: %v", method, path, err).WithCause(err)
	}
	defer resp.Body.Close()
	c.logger.Debug("crm request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	data, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDispatch, "read crm response: %v", err).WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(method, path, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeDispatch, "decode crm response for %s %s: %v", method, path, err).WithCause(err)
	}
	return nil
}

// statusError maps a non-2xx response to a CadenceError. The CRM's own code
// wins when it is one we know.
func statusError(method, path string, status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := ae.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	code := schema.ErrCodeDispatch
	switch {
	case knownCode(ae.Code):
		code = ae.Code
	case status == http.StatusNotFound:
		code = schema.ErrCodeNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		code = schema.ErrCodeTimeout
	}
	return schema.NewErrorf(code, "crm %s %s: %s", method, path, msg).
		WithDetails(map[string]any{"status": status})
}

func knownCode(code string) bool {
	switch code {
	case schema.ErrCodeNoAddress, schema.ErrCodeNoDestination, schema.ErrCodeNotFound,
		schema.ErrCodeValidation, schema.ErrCodeTimeout, schema.ErrCodeDispatch:
		return true
	}
	return false
}

func subjectPath(ref schema.SubjectRef) string {
	return "/subjects/" + url.PathEscape(string(ref.Kind)) + "/" + url.PathEscape(ref.ID)
}

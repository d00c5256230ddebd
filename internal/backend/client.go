package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kingrea/batchline/internal/logging"
)

const (
	// DefaultTimeout bounds a single request when no timeout is configured.
	DefaultTimeout = 15 * time.Second
	// RequestIDHeader carries a per-request id echoed by the backend.
	RequestIDHeader = "X-Request-ID"

	tracerName   = "github.com/kingrea/batchline/internal/backend"
	maxErrorBody = 64 << 10
)

// TokenSource supplies the bearer token attached to requests.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// Client talks to the batch-record REST backend. One attempt is made per
// operation; failures are returned, never retried.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	tokens     TokenSource
	logger     *logging.Logger
	tracer     trace.Tracer
}

// Option customizes a client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the deadline applied to every request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithTokenSource attaches a bearer token to every request.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithLogger routes request diagnostics to the log file.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("backend: base url is required")
	}
	if !strings.HasSuffix(trimmed, "/") {
		trimmed += "/"
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("backend: base url %q must be http or https", baseURL)
	}
	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout:    DefaultTimeout,
		logger:     logging.Nop(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// WithToken returns a copy of the client that authenticates with ts.
func (c *Client) WithToken(ts TokenSource) *Client {
	clone := *c
	clone.tokens = ts
	return &clone
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

func (c *Client) endpoint(segments ...string) string {
	return c.baseURL.JoinPath(segments...).String()
}

// do performs one request. sink consumes a 2xx body while the request
// deadline and span are still live.
func (c *Client) do(ctx context.Context, op, method, target string, body any, sink func(io.Reader) error) (err error) {
	ctx, span := c.tracer.Start(ctx, "backend."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(method),
			attribute.String("url.full", target),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		encoded, merr := json.Marshal(body)
		if merr != nil {
			return &Error{Op: op, Kind: ErrShape, Err: merr}
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &Error{Op: op, Kind: ErrNetwork, Err: err}
	}
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("backend request failed", "op", op, "method", method, "request_id", requestID, "error", err)
		return &Error{Op: op, Kind: ErrNetwork, Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
	c.logger.Debug("backend request",
		"op", op,
		"method", method,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		message := gjson.GetBytes(raw, "message").String()
		if message == "" && !gjson.ValidBytes(raw) {
			message = strings.TrimSpace(string(raw))
		}
		return statusError(op, resp.StatusCode, message)
	}
	if sink == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := sink(resp.Body); err != nil {
		if _, ok := err.(*Error); ok {
			return err
		}
		return &Error{Op: op, Kind: ErrNetwork, Err: err}
	}
	return nil
}

// doJSON performs a request and returns the validated JSON body.
func (c *Client) doJSON(ctx context.Context, op, method, target string, body any) ([]byte, error) {
	var data []byte
	err := c.do(ctx, op, method, target, body, func(r io.Reader) error {
		raw, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		if !gjson.ValidBytes(raw) {
			return shapeError(op, "response is not valid JSON")
		}
		data = raw
		return nil
	})
	return data, err
}

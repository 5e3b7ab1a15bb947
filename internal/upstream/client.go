// Package upstream is the HTTP client for the conversational AI service
// (Dify API). It covers streaming chat, stop, file upload, conversation and
// message read-throughs and feedback.
//
// Errors come in two shapes:
//   - *Error: the service answered with a non-2xx status; the status and
//     (truncated) body are preserved for the caller.
//   - ErrUnavailable: the request never produced a response (DNS, connect,
//     TLS, timeout). The transport error is joined so errors.Is still sees
//     context.Canceled and friends.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-gateway/internal/config"
)

// maxErrorBody caps how much of a failed response body is kept.
const maxErrorBody = 64 << 10

// ErrUnavailable reports a transport-level failure talking to the service.
var ErrUnavailable = errors.New("upstream unavailable")

// Error is a non-2xx answer from the service.
type Error struct {
	Op     string
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s: status %d", e.Op, e.Status)
}

// StatusOf returns the upstream status carried by err, or 0.
func StatusOf(err error) int {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Status
	}
	return 0
}

// Client talks to one Dify application.
type Client struct {
	baseURL string
	apiKey  string

	// http serves bounded calls; stream has no overall timeout and relies on
	// the request context instead.
	http   *http.Client
	stream *http.Client

	tracer trace.Tracer
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces both underlying HTTP clients (tests use this to
// point at httptest servers with custom transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
		c.stream = hc
	}
}

// New builds a Client from configuration. BaseURL is normalized to end in /v1.
func New(cfg config.UpstreamConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL: config.NormalizeUpstreamBase(cfg.BaseURL),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
		tracer:  otel.Tracer("upstream/dify"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the normalized API base (ending in /v1).
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

// send executes req and classifies the outcome. On success the caller owns
// the response body.
func (c *Client) send(hc *http.Client, op string, req *http.Request) (*http.Response, error) {
	resp, err := hc.Do(req)
	if err != nil {
		observe(op, "error")
		return nil, fmt.Errorf("upstream %s: %w: %w", op, ErrUnavailable, err)
	}
	observe(op, strconv.Itoa(resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{Op: op, Status: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

// doJSON sends an optional JSON payload and returns the raw response body.
func (c *Client) doJSON(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "upstream."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("upstream.path", path))

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.send(c.http, op, req)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("upstream %s: %w: %w", op, ErrUnavailable, err)
		recordErr(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return out, nil
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if st := StatusOf(err); st != 0 {
		span.SetAttributes(attribute.Int("http.status_code", st))
	}
}

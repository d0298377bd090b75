// Package remote is the REST client for the project-tracking backend. It
// issues CRUD calls per entity type against routes scoped by ancestor ids and
// returns entity payloads or *Error values classified by Kind.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	trackerotel "github.com/basket/go-tracker/internal/otel"
	"github.com/basket/go-tracker/internal/shared"
)

const (
	// DefaultTimeout bounds every backend call.
	DefaultTimeout = 30 * time.Second

	// CredentialCookie is the cookie carrying the session token.
	CredentialCookie = "token"

	maxResponseBytes = 4 << 20
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration // DefaultTimeout when zero
	HTTPClient *http.Client  // Optional; its Jar and Timeout are replaced
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *trackerotel.Metrics
}

// Client talks to the backend over credentialed HTTP: the session cookie set by
// login/register is replayed on every request until ClearCredentials.
type Client struct {
	base    *url.URL
	http    *http.Client
	jar     *resettableJar
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *trackerotel.Metrics
	schemas *schemaSet
}

// New builds a Client for opts.BaseURL.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("remote: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", base.Scheme)
	}

	jar, err := newResettableJar()
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := &http.Client{}
	if opts.HTTPClient != nil {
		copied := *opts.HTTPClient
		hc = &copied
	}
	hc.Jar = jar
	hc.Timeout = timeout

	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = trackerotel.NoopTracer()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = trackerotel.NoopMetrics()
	}

	return &Client{
		base:    base,
		http:    hc,
		jar:     jar,
		logger:  logger.With("component", "remote"),
		tracer:  tracer,
		metrics: metrics,
		schemas: schemas,
	}, nil
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string { return c.base.String() }

// HasCredentials reports whether a session cookie is currently held.
func (c *Client) HasCredentials() bool {
	for _, ck := range c.jar.Cookies(c.base) {
		if ck.Name == CredentialCookie && ck.Value != "" {
			return true
		}
	}
	return false
}

// ClearCredentials drops every cookie held for the backend.
func (c *Client) ClearCredentials() {
	c.jar.Reset()
}

// call describes one backend request.
type call struct {
	entity string // span/metric label, e.g. "epic" or "auth"
	method string
	path   string // already escaped, relative to the base URL
	body   any
}

func (c call) op() string { return c.method + " " + c.path }

// do executes the call and returns the raw 2xx response body.
func (c *Client) do(ctx context.Context, cl call) ([]byte, error) {
	ctx, requestID := shared.EnsureTraceID(ctx)
	ctx, span := trackerotel.StartClientSpan(ctx, c.tracer, "remote."+strings.ToLower(cl.method),
		trackerotel.AttrEntity.String(cl.entity),
		trackerotel.AttrHTTPMethod.String(cl.method),
		trackerotel.AttrRequestID.String(requestID),
	)
	defer span.End()

	start := time.Now()
	raw, status, err := c.roundTrip(ctx, cl, requestID)
	elapsed := time.Since(start)

	attrs := []attribute.KeyValue{
		trackerotel.AttrEntity.String(cl.entity),
		trackerotel.AttrHTTPMethod.String(cl.method),
	}
	c.metrics.RemoteDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
	span.SetAttributes(trackerotel.AttrHTTPStatus.Int(status))

	if err != nil {
		kind := KindOf(err)
		c.metrics.RemoteErrors.Add(ctx, 1, metric.WithAttributes(append(attrs, trackerotel.AttrErrorKind.String(string(kind)))...))
		span.SetStatus(codes.Error, string(kind))
		span.RecordError(err)
		c.logger.Debug("remote call failed",
			"op", cl.op(), "status", status, "kind", kind,
			"duration_ms", elapsed.Milliseconds(), "trace_id", requestID, "error", err)
		return nil, err
	}
	c.logger.Debug("remote call",
		"op", cl.op(), "status", status,
		"duration_ms", elapsed.Milliseconds(), "trace_id", requestID)
	return raw, nil
}

func (c *Client) roundTrip(ctx context.Context, cl call, requestID string) ([]byte, int, error) {
	var body io.Reader
	if cl.body != nil {
		payload, err := json.Marshal(cl.body)
		if err != nil {
			return nil, 0, &Error{Kind: KindBadRequest, Op: cl.op(), Err: fmt.Errorf("encode body: %w", err)}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, c.base.String()+cl.path, body)
	if err != nil {
		return nil, 0, transportError(cl.op(), err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, transportError(cl.op(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, transportError(cl.op(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, statusError(cl.op(), resp.StatusCode, raw)
	}
	return raw, resp.StatusCode, nil
}

// decode validates raw against the named schema and unmarshals it into out.
func (c *Client) decode(op, schema string, raw []byte, out any) error {
	if err := c.schemas.validate(schema, raw); err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("decode %s: %w", schema, err)}
	}
	return nil
}

// resettableJar lets ClearCredentials swap the jar while requests are in flight.
type resettableJar struct {
	mu  sync.RWMutex
	jar *cookiejar.Jar
}

func newResettableJar() (*resettableJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("remote: cookie jar: %w", err)
	}
	return &resettableJar{jar: jar}, nil
}

func (j *resettableJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	j.jar.SetCookies(u, cookies)
}

func (j *resettableJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jar.Cookies(u)
}

func (j *resettableJar) Reset() {
	fresh, _ := cookiejar.New(nil)
	j.mu.Lock()
	j.jar = fresh
	j.mu.Unlock()
}

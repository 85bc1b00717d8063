package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miller79/pooledhttp/internal/config"
	"github.com/miller79/pooledhttp/internal/observability"
	"github.com/miller79/pooledhttp/internal/pool"
)

// tracerName identifies this instrumentation scope.
const tracerName = "github.com/miller79/pooledhttp/internal/httpclient"

// Interceptor mutates an outbound request before dispatch, e.g. to
// inject an Authorization header.
type Interceptor func(req *http.Request) error

// PooledClient dispatches HTTP/1.1 requests over the managed connection
// pool. Unlike the transport stack it enforces the full lifecycle
// policy, including the lifetime ceiling and bounded pending-acquire
// waits.
type PooledClient struct {
	policy       config.Policy
	pool         *pool.Pool
	logger       observability.Logger
	tracer       trace.Tracer
	tlsConfig    *tls.Config
	poolName     string
	interceptors []Interceptor
}

// Option is a functional option for configuring the client.
type Option func(*PooledClient)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *PooledClient) {
		c.logger = logger
	}
}

// WithTLSConfig sets the TLS configuration for HTTPS destinations.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *PooledClient) {
		c.tlsConfig = cfg
	}
}

// WithPoolName labels the client's pool in logs and metrics.
func WithPoolName(name string) Option {
	return func(c *PooledClient) {
		c.poolName = name
	}
}

// WithInterceptor appends a request interceptor.
func WithInterceptor(interceptor Interceptor) Option {
	return func(c *PooledClient) {
		c.interceptors = append(c.interceptors, interceptor)
	}
}

// NewPooledClient creates a client over a fresh managed pool configured
// from the policy.
func NewPooledClient(policy config.Policy, opts ...Option) (*PooledClient, error) {
	c := &PooledClient{
		policy:   policy,
		logger:   observability.NopLogger(),
		tracer:   otel.Tracer(tracerName),
		poolName: "pooled-client",
	}
	for _, opt := range opts {
		opt(c)
	}

	poolOpts := pool.OptionsFromPolicy(policy)
	poolOpts.Name = c.poolName
	poolOpts.Logger = c.logger
	poolOpts.Dial = pool.NewDialFunc(policy, c.tlsConfig)

	p, err := pool.New(poolOpts)
	if err != nil {
		return nil, err
	}
	c.pool = p
	return c, nil
}

// Do dispatches the request over a pooled connection. The response body
// is fully read before return, so callers never hold a connection
// hostage through a half-read body.
func (c *PooledClient) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	ctx := req.Context()

	ctx, span := c.tracer.Start(ctx, req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL.String()),
			attribute.String("server.address", req.URL.Hostname()),
		),
	)
	defer span.End()

	dest, err := destinationFromURL(req.URL)
	if err != nil {
		return nil, c.fail(span, req.Method, resultError, start, err)
	}

	for _, interceptor := range c.interceptors {
		if err := interceptor(req); err != nil {
			return nil, c.fail(span, req.Method, resultError, start, err)
		}
	}

	conn, err := c.pool.Acquire(ctx, dest)
	if err != nil {
		return nil, c.fail(span, req.Method, resultError, start, err)
	}

	resp, err := c.roundTrip(ctx, conn, req)
	if err != nil {
		result := resultError
		var timeoutErr *RequestTimeoutError
		if errors.As(err, &timeoutErr) {
			result = resultTimeout
		}
		return nil, c.fail(span, req.Method, result, start, err)
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	recordRequest(req.Method, resultSuccess, time.Since(start).Seconds())
	return resp, nil
}

// Get issues a GET request to the URL.
func (c *PooledClient) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Stats returns the underlying pool occupancy.
func (c *PooledClient) Stats() pool.Stats {
	return c.pool.Stats()
}

// Close shuts down the client and its pool.
func (c *PooledClient) Close() {
	c.pool.Close()
}

// roundTrip performs one request/response exchange on the connection
// and releases it exactly once. Any error leaves the connection's
// protocol state undefined, so failed exchanges always discard it.
func (c *PooledClient) roundTrip(ctx context.Context, conn *pool.Conn, req *http.Request) (*http.Response, error) {
	if c.policy.ResponseTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.policy.ResponseTimeout))
	} else {
		_ = conn.SetDeadline(time.Time{})
	}

	// Abort the in-flight exchange when the caller cancels.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Unix(1, 0))
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	if err := req.Write(conn); err != nil {
		c.pool.Release(conn, false)
		return nil, c.transportError(ctx, req, err)
	}

	resp, err := http.ReadResponse(conn.Reader(), req)
	if err != nil {
		c.pool.Release(conn, false)
		return nil, c.transportError(ctx, req, err)
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		c.pool.Release(conn, false)
		return nil, c.transportError(ctx, req, err)
	}

	_ = conn.SetDeadline(time.Time{})
	c.pool.Release(conn, !resp.Close)

	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// transportError classifies an exchange failure: caller cancellation
// wins, then response timeouts, then everything else.
func (c *PooledClient) transportError(ctx context.Context, req *http.Request, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &RequestTimeoutError{
			Method:  req.Method,
			URL:     req.URL.String(),
			Timeout: c.policy.ResponseTimeout,
		}
	}
	return fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
}

func (c *PooledClient) fail(span trace.Span, method, result string, start time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	recordRequest(method, result, time.Since(start).Seconds())
	return err
}

// destinationFromURL resolves the pool destination for a request URL.
func destinationFromURL(u *url.URL) (pool.Destination, error) {
	dest := pool.Destination{Host: u.Hostname()}

	switch u.Scheme {
	case "http":
		dest.Port = 80
	case "https":
		dest.Port = 443
		dest.TLS = true
	default:
		return pool.Destination{}, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return pool.Destination{}, fmt.Errorf("invalid port %q: %w", portStr, err)
		}
		dest.Port = port
	}
	return dest, nil
}

// Package oauth implements the OAuth2 client credentials flow used to
// authenticate pooled outbound requests. Tokens are cached and refreshed
// ahead of expiry so request dispatch never blocks on the authorization
// server in the steady state.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/miller79/pooledhttp/internal/observability"
)

// Common errors for the OAuth2 client.
var (
	ErrTokenRequestFailed  = errors.New("token request failed")
	ErrInvalidResponse     = errors.New("invalid token response")
	ErrDiscoveryFailed     = errors.New("issuer discovery failed")
	ErrMissingClientID     = errors.New("missing client ID")
	ErrMissingClientSecret = errors.New("missing client secret")
	ErrMissingEndpoint     = errors.New("missing issuer or token endpoint")
)

var (
	tokenRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pooledhttp_oauth2_token_request_total",
			Help: "Total number of OAuth2 token requests",
		},
		[]string{"result"},
	)

	tokenRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pooledhttp_oauth2_token_request_duration_seconds",
			Help:    "Duration of OAuth2 token requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	tokenCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pooledhttp_oauth2_token_cache_hits_total",
			Help: "Total number of OAuth2 token cache hits",
		},
	)

	tokenCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pooledhttp_oauth2_token_cache_misses_total",
			Help: "Total number of OAuth2 token cache misses",
		},
	)
)

// Token is an OAuth2 access token with its resolved expiry.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`

	// ExpiresAt is computed from ExpiresIn at fetch time.
	ExpiresAt time.Time `json:"-"`
}

// Expired reports whether the token has passed its expiry.
func (t *Token) Expired() bool {
	return time.Now().After(t.ExpiresAt)
}

// ExpiredWithin reports whether the token expires within the buffer.
func (t *Token) ExpiredWithin(buffer time.Duration) bool {
	return time.Now().Add(buffer).After(t.ExpiresAt)
}

// Config holds configuration for the OAuth2 client. Exactly one of
// Issuer or TokenEndpoint must be set: with Issuer the token endpoint
// is resolved through OIDC discovery on first use.
type Config struct {
	// Issuer is the authorization server base URL for OIDC discovery.
	Issuer string

	// TokenEndpoint is the OAuth2 token endpoint URL. Takes precedence
	// over Issuer when both are set.
	TokenEndpoint string

	// ClientID is the OAuth2 client ID.
	ClientID string

	// ClientSecret is the OAuth2 client secret.
	ClientSecret string

	// Scopes is the list of scopes to request.
	Scopes []string

	// Timeout bounds individual token and discovery requests.
	Timeout time.Duration

	// RefreshBuffer is how long before expiry a cached token is
	// considered stale.
	RefreshBuffer time.Duration

	// HTTPClient is the HTTP client for token requests (optional).
	HTTPClient *http.Client

	// Logger is the logger to use (optional).
	Logger observability.Logger
}

// Client fetches and caches OAuth2 tokens via the client credentials
// grant.
type Client struct {
	issuer        string
	clientID      string
	clientSecret  string
	scopes        []string
	refreshBuffer time.Duration
	httpClient    *http.Client
	logger        observability.Logger

	mu            sync.RWMutex
	tokenEndpoint string
	token         *Token
}

// NewClient creates a new OAuth2 client.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Issuer == "" && config.TokenEndpoint == "" {
		return nil, ErrMissingEndpoint
	}
	if config.ClientID == "" {
		return nil, ErrMissingClientID
	}
	if config.ClientSecret == "" {
		return nil, ErrMissingClientSecret
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	refreshBuffer := config.RefreshBuffer
	if refreshBuffer <= 0 {
		refreshBuffer = 60 * time.Second
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := config.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Client{
		issuer:        strings.TrimSuffix(config.Issuer, "/"),
		tokenEndpoint: config.TokenEndpoint,
		clientID:      config.ClientID,
		clientSecret:  config.ClientSecret,
		scopes:        config.Scopes,
		refreshBuffer: refreshBuffer,
		httpClient:    httpClient,
		logger:        logger,
	}, nil
}

// GetToken returns a valid access token, fetching a new one if the
// cached token is missing or about to expire.
func (c *Client) GetToken(ctx context.Context) (*Token, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	if token != nil && !token.ExpiredWithin(c.refreshBuffer) {
		tokenCacheHits.Inc()
		return token, nil
	}

	tokenCacheMisses.Inc()
	return c.FetchToken(ctx)
}

// GetAccessToken returns just the access token string.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	token, err := c.GetToken(ctx)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// InvalidateToken drops the cached token.
func (c *Client) InvalidateToken() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

// FetchToken fetches a fresh access token from the token endpoint,
// bypassing the cache.
func (c *Client) FetchToken(ctx context.Context) (*Token, error) {
	start := time.Now()
	result := "success"
	defer func() {
		tokenRequestTotal.WithLabelValues(result).Inc()
		tokenRequestDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}()

	endpoint, err := c.resolveTokenEndpoint(ctx)
	if err != nil {
		result = "discovery_error"
		return nil, err
	}

	req, err := c.buildTokenRequest(ctx, endpoint)
	if err != nil {
		result = "request_error"
		return nil, err
	}

	body, err := c.executeTokenRequest(req)
	if err != nil {
		result = "token_error"
		return nil, err
	}

	token, err := parseToken(body)
	if err != nil {
		result = "parse_error"
		return nil, err
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	c.logger.Debug("fetched new OAuth2 token",
		observability.String("tokenType", token.TokenType),
		observability.Time("expiresAt", token.ExpiresAt),
	)
	return token, nil
}

// discoveryDocument is the subset of the OIDC provider metadata this
// client needs.
type discoveryDocument struct {
	Issuer        string `json:"issuer"`
	TokenEndpoint string `json:"token_endpoint"`
}

// resolveTokenEndpoint returns the configured token endpoint, running
// OIDC discovery against the issuer the first time when only the issuer
// was configured.
func (c *Client) resolveTokenEndpoint(ctx context.Context) (string, error) {
	c.mu.RLock()
	endpoint := c.tokenEndpoint
	c.mu.RUnlock()

	if endpoint != "" {
		return endpoint, nil
	}

	wellKnown := c.issuer + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrDiscoveryFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}

	var doc discoveryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}
	if doc.TokenEndpoint == "" {
		return "", fmt.Errorf("%w: no token_endpoint in provider metadata", ErrDiscoveryFailed)
	}

	c.mu.Lock()
	c.tokenEndpoint = doc.TokenEndpoint
	c.mu.Unlock()

	c.logger.Info("resolved token endpoint from issuer",
		observability.String("issuer", c.issuer),
		observability.String("tokenEndpoint", doc.TokenEndpoint),
	)
	return doc.TokenEndpoint, nil
}

func (c *Client) buildTokenRequest(ctx context.Context, endpoint string) (*http.Request, error) {
	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	if len(c.scopes) > 0 {
		data.Set("scope", strings.Join(c.scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) executeTokenRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenRequestFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("token request failed",
			observability.Int("status", resp.StatusCode),
			observability.String("body", string(body)),
		)
		return nil, fmt.Errorf("%w: status %d", ErrTokenRequestFailed, resp.StatusCode)
	}
	return body, nil
}

func parseToken(body []byte) (*Token, error) {
	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access_token", ErrInvalidResponse)
	}
	if token.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	} else {
		token.ExpiresAt = time.Now().Add(time.Hour)
	}
	return &token, nil
}

// Interceptor returns a request interceptor that injects the bearer
// token into outbound requests.
func (c *Client) Interceptor() func(req *http.Request) error {
	return func(req *http.Request) error {
		token, err := c.GetAccessToken(req.Context())
		if err != nil {
			return fmt.Errorf("failed to get OAuth2 token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}

// RoundTripper returns an http.RoundTripper that adds the bearer token
// to every request before delegating to base.
func (c *Client) RoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &bearerRoundTripper{client: c, base: base}
}

type bearerRoundTripper struct {
	client *Client
	base   http.RoundTripper
}

func (rt *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := rt.client.GetAccessToken(req.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth2 token: %w", err)
	}

	// Clone so the caller's request is not mutated.
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+token)
	return rt.base.RoundTrip(req2)
}

// Package httpclient builds the two HTTP client stacks governed by the
// connection lifecycle policy: a transport stack that maps the policy
// onto net/http's own connection pool, and a pooled stack that
// dispatches requests over the managed pool for full control over
// acquisition, eviction, and timeout behavior.
package httpclient

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/miller79/pooledhttp/internal/config"
	"github.com/miller79/pooledhttp/internal/pool"
)

// NewTransport maps the policy onto an http.Transport. The idle
// threshold, per-host and total connection bounds, response wait, and
// keep-alive cadence all carry over; the one parameter net/http cannot
// express is the hard lifetime ceiling, which the pooled stack
// enforces instead. tlsConfig may be nil.
func NewTransport(policy config.Policy, tlsConfig *tls.Config) *http.Transport {
	dialer := pool.NewDialer(policy)

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxConnsPerHost:       policy.MaxConnections,
		MaxIdleConns:          policy.MaxConnections,
		MaxIdleConnsPerHost:   policy.MaxConnections,
		IdleConnTimeout:       policy.MaxIdleTime,
		ResponseHeaderTimeout: policy.ResponseTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSHandshakeTimeout:   policy.ConnectTimeout,
		TLSClientConfig:       tlsConfig,
	}
}

// NewClient returns an http.Client over the policy-tuned transport.
// The client-level timeout stays unset; response waits are bounded by
// the transport and request contexts.
func NewClient(policy config.Policy, tlsConfig *tls.Config) *http.Client {
	return &http.Client{
		Transport: NewTransport(policy, tlsConfig),
	}
}

package pool

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/miller79/pooledhttp/internal/config"
)

// DialFunc opens a new network connection to a destination.
type DialFunc func(ctx context.Context, dest Destination) (net.Conn, error)

// NewDialer returns a net.Dialer configured from the policy. When
// keep-alive is enabled the probe cadence is applied through
// net.KeepAliveConfig; on platforms where a particular knob is not
// supported the runtime applies the rest and keep-alive itself stays
// enabled, so the degraded mode is coarser dead-peer detection rather
// than an error.
func NewDialer(policy config.Policy) *net.Dialer {
	d := &net.Dialer{
		Timeout: policy.ConnectTimeout,
	}
	if policy.SoKeepAlive {
		d.KeepAliveConfig = net.KeepAliveConfig{
			Enable:   true,
			Idle:     policy.TCPKeepIdle,
			Interval: policy.TCPKeepInterval,
			Count:    policy.TCPKeepCount,
		}
	} else {
		d.KeepAlive = -1
	}
	return d
}

// NewDialFunc returns a DialFunc that dials TCP with the policy's
// connect timeout and keep-alive settings, wrapping TLS destinations
// with a handshake bounded by the same timeout. tlsConfig may be nil.
func NewDialFunc(policy config.Policy, tlsConfig *tls.Config) DialFunc {
	dialer := NewDialer(policy)

	return func(ctx context.Context, dest Destination) (net.Conn, error) {
		nc, err := dialer.DialContext(ctx, "tcp", dest.Addr())
		if err != nil {
			return nil, err
		}
		if !dest.TLS {
			return nc, nil
		}

		cfg := tlsConfig
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		} else {
			cfg = cfg.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = dest.TLSServerName()
		}

		hctx := ctx
		if policy.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, policy.ConnectTimeout)
			defer cancel()
		}

		tc := tls.Client(nc, cfg)
		if err := tc.HandshakeContext(hctx); err != nil {
			_ = nc.Close()
			return nil, err
		}
		return tc, nil
	}
}

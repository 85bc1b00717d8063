package main

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/miller79/pooledhttp/internal/auth/oauth"
	"github.com/miller79/pooledhttp/internal/config"
	"github.com/miller79/pooledhttp/internal/httpclient"
	"github.com/miller79/pooledhttp/internal/observability"
	"github.com/miller79/pooledhttp/internal/pool"
)

// application holds the wired sample components. The pooled client is
// swapped on configuration reload, so reads go through the mutex.
type application struct {
	cfg    *config.Config
	logger observability.Logger

	mu              sync.RWMutex
	pooledClient    *httpclient.PooledClient
	transportClient *http.Client
	oauthClient     *oauth.Client
	adminServer     *http.Server
}

// initApplication builds both client stacks and the admin server from
// the configuration.
func initApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{
		cfg:    cfg,
		logger: logger,
	}

	if cfg.OAuth != nil {
		// Token requests ride the same policy-tuned transport as API
		// traffic.
		client, err := oauth.NewClient(&oauth.Config{
			Issuer:        cfg.OAuth.Issuer,
			TokenEndpoint: cfg.OAuth.TokenEndpoint,
			ClientID:      cfg.OAuth.ClientID,
			ClientSecret:  cfg.OAuth.ClientSecret,
			Scopes:        cfg.OAuth.Scopes,
			Timeout:       cfg.Policy().ResponseTimeout,
			HTTPClient:    httpclient.NewClient(cfg.Policy(), nil),
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		app.oauthClient = client
	}

	if err := app.buildClients(cfg); err != nil {
		return nil, err
	}

	app.adminServer = newAdminServer(app, cfg.Sample.AdminListen)
	return app, nil
}

// buildClients constructs both stacks from the policy and swaps them in.
func (app *application) buildClients(cfg *config.Config) error {
	policy := cfg.Policy()

	opts := []httpclient.Option{
		httpclient.WithLogger(app.logger),
		httpclient.WithPoolName("sample"),
	}
	if app.oauthClient != nil {
		opts = append(opts, httpclient.WithInterceptor(app.oauthClient.Interceptor()))
	}

	pooled, err := httpclient.NewPooledClient(policy, opts...)
	if err != nil {
		return err
	}

	transportClient := httpclient.NewClient(policy, nil)
	if app.oauthClient != nil {
		transportClient.Transport = app.oauthClient.RoundTripper(transportClient.Transport)
	}

	app.mu.Lock()
	old := app.pooledClient
	app.cfg = cfg
	app.pooledClient = pooled
	app.transportClient = transportClient
	app.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// reload applies a freshly loaded configuration. Connection policy
// changes rebuild both stacks; in-flight requests finish on the old
// pool before it closes.
func (app *application) reload(cfg *config.Config) {
	app.logger.Info("applying reloaded configuration")
	if err := app.buildClients(cfg); err != nil {
		app.logger.Error("failed to apply reloaded configuration", observability.Error(err))
	}
}

// clients returns the current client pair.
func (app *application) clients() (*httpclient.PooledClient, *http.Client) {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.pooledClient, app.transportClient
}

// poolStats returns the managed pool occupancy.
func (app *application) poolStats() pool.Stats {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.pooledClient.Stats()
}

// demoRequests exercises both stacks against the configured target.
func (app *application) demoRequests(ctx context.Context) {
	app.mu.RLock()
	target := app.cfg.Sample.TargetURL
	app.mu.RUnlock()

	pooled, transport := app.clients()

	resp, err := pooled.Get(ctx, target)
	if err != nil {
		app.logger.Error("pooled request failed",
			observability.String("url", target),
			observability.Error(err),
		)
	} else {
		app.logger.Info("pooled request completed",
			observability.String("url", target),
			observability.Int("status", resp.StatusCode),
			observability.Any("pool", pooled.Stats()),
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		app.logger.Error("failed to build transport request", observability.Error(err))
		return
	}

	start := time.Now()
	tresp, err := transport.Do(req)
	if err != nil {
		app.logger.Error("transport request failed",
			observability.String("url", target),
			observability.Error(err),
		)
		return
	}
	defer tresp.Body.Close()
	_, _ = io.Copy(io.Discard, tresp.Body)

	app.logger.Info("transport request completed",
		observability.String("url", target),
		observability.Int("status", tresp.StatusCode),
		observability.Duration("elapsed", time.Since(start)),
	)
}

// close releases both stacks.
func (app *application) close() {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.pooledClient != nil {
		app.pooledClient.Close()
	}
	if app.transportClient != nil {
		app.transportClient.CloseIdleConnections()
	}
}

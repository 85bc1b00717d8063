package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miller79/pooledhttp/internal/config"
	"github.com/miller79/pooledhttp/internal/observability"
)

func newTestApplication(t *testing.T, cfg *config.Config) *application {
	t.Helper()

	app, err := initApplication(cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(app.close)
	return app
}

func TestInitApplication_Defaults(t *testing.T) {
	t.Parallel()

	app := newTestApplication(t, config.Default())

	pooled, transport := app.clients()
	assert.NotNil(t, pooled)
	assert.NotNil(t, transport)
	assert.Nil(t, app.oauthClient)
	assert.NotNil(t, app.adminServer)
}

func TestInitApplication_InvalidOAuth(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.OAuth = &config.OAuthConfig{
		TokenEndpoint: "https://auth.example.com/token",
		ClientID:      "sample",
		// ClientSecret intentionally absent
	}

	_, err := initApplication(cfg, observability.NopLogger())
	require.Error(t, err)
}

func TestApplication_Reload_SwapsPool(t *testing.T) {
	t.Parallel()

	app := newTestApplication(t, config.Default())
	before, _ := app.clients()

	newCfg, err := config.Parse([]byte("client:\n  max-connections: 7\n"))
	require.NoError(t, err)

	app.reload(newCfg)

	after, _ := app.clients()
	assert.NotSame(t, before, after)
	assert.Equal(t, 7, app.poolStats().MaxConnections)
}

func TestAdminServer_Healthz(t *testing.T) {
	t.Parallel()

	app := newTestApplication(t, config.Default())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	app.adminServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAdminServer_Stats(t *testing.T) {
	t.Parallel()

	app := newTestApplication(t, config.Default())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	app.adminServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Pool           string `json:"pool"`
		Open           int    `json:"open"`
		Idle           int    `json:"idle"`
		MaxConnections int    `json:"max_connections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "sample", body.Pool)
	assert.Equal(t, config.DefaultMaxConnections, body.MaxConnections)
	assert.Zero(t, body.Open)
}

func TestAdminServer_Metrics(t *testing.T) {
	t.Parallel()

	app := newTestApplication(t, config.Default())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	app.adminServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("POOLEDHTTP_TEST_KEY", "from-env")

	assert.Equal(t, "from-env", getEnvOrDefault("POOLEDHTTP_TEST_KEY", "fallback"))
	assert.Equal(t, "fallback", getEnvOrDefault("POOLEDHTTP_TEST_MISSING", "fallback"))
}

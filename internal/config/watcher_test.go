package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadOnChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  max-connections: 4\n"), 0o600))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}, WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	require.NotNil(t, w.LastConfig())
	assert.Equal(t, 4, w.LastConfig().Policy().MaxConnections)

	require.NoError(t, os.WriteFile(path, []byte("client:\n  max-connections: 8\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 8, cfg.Policy().MaxConnections)
		assert.Equal(t, 8, w.LastConfig().Policy().MaxConnections)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

func TestWatcher_InvalidReloadKeepsLastConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  max-connections: 4\n"), 0o600))

	errCh := make(chan error, 1)
	w, err := NewWatcher(path, nil,
		WithDebounceDelay(20*time.Millisecond),
		WithErrorCallback(func(err error) {
			select {
			case errCh <- err:
			default:
			}
		}),
	)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("client:\n  max-connections: -1\n"), 0o600))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConfigInvalid)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error callback")
	}

	// The last good configuration survives the failed reload.
	assert.Equal(t, 4, w.LastConfig().Policy().MaxConnections)
}

func TestWatcher_StartMissingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing.yaml")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	assert.Error(t, w.Start(context.Background()))
}

func TestWatcher_StopWithoutStart(t *testing.T) {
	t.Parallel()

	w, err := NewWatcher(filepath.Join(t.TempDir(), "c.yaml"), nil)
	require.NoError(t, err)

	assert.NoError(t, w.Stop())
}

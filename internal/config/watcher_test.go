package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfigFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kasegi.yaml")
	writeConfigFile(t, path, "wallets:\n  RVN: addr-1\n")

	w := NewWatcher(zap.NewNop(), path)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(ctx, func(cfg *Config) { reloaded <- cfg })
	}()

	// Let the watcher register before the write lands
	time.Sleep(50 * time.Millisecond)
	writeConfigFile(t, path, "wallets:\n  RVN: addr-2\n")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "addr-2", cfg.Wallets["RVN"])
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestWatcherKeepsPreviousOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kasegi.yaml")
	writeConfigFile(t, path, "wallets:\n  RVN: addr-1\n")

	w := NewWatcher(zap.NewNop(), path)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	go func() { _ = w.Watch(ctx, func(cfg *Config) { reloaded <- cfg }) }()

	time.Sleep(50 * time.Millisecond)
	// switch_margin past its bound fails validation
	writeConfigFile(t, path, "planner:\n  switch_margin: 2.0\n")

	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config must not reach the callback: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
}

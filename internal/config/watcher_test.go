package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	t.Setenv("CLASHD_DATA_DIR", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "clashd.yaml")

	cfg := DefaultConfig()
	require.NoError(t, cfg.Save(path))

	got := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { got <- c })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	cfg.Pairing.MinScore = 0.55
	require.NoError(t, cfg.Save(path))

	select {
	case c := <-got:
		require.InDelta(t, 0.55, c.Pairing.MinScore, 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload delivered")
	}
	require.GreaterOrEqual(t, w.Reloads(), 1)
}

func TestWatcher_IgnoresInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clashd.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	got := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) { got <- c })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("pairing:\n  min_score: 4\n"), 0644))

	select {
	case <-got:
		t.Fatal("invalid config must not be delivered")
	case <-time.After(800 * time.Millisecond):
	}
	require.Equal(t, 0, w.Reloads())
}

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SSDTPROF_DB", "/tmp/x.db")
	t.Setenv("SSDTPROF_CACHE_SIZE", "12")
	t.Setenv("SSDTPROF_LOG_LEVEL", "debug")
	t.Setenv("SSDTPROF_OVERLAYS", "a.yaml"+string(os.PathListSeparator)+"b.yaml")

	cfg := FromEnv()
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
	assert.Equal(t, 12, cfg.CacheSize)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.OverlayFiles)
}

func TestFromEnvIgnoresBadCacheSize(t *testing.T) {
	t.Setenv("SSDTPROF_CACHE_SIZE", "lots")
	assert.Equal(t, DefaultConfig().CacheSize, FromEnv().CacheSize)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssdtprof.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":7000\"\nlog_overrides: true\noverlays: [x.yaml]\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Addr)
	assert.True(t, cfg.LogOverrides)
	assert.Equal(t, []string{"x.yaml"}, cfg.OverlayFiles)
	assert.Equal(t, DefaultConfig().DBPath, cfg.DBPath, "unset keys keep defaults")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSlogLevelDefault(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, Config{LogLevel: "chatty"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, Config{LogLevel: "WARN"}.SlogLevel())
}

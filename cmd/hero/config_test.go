package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HERO_HOME", home)

	cfg := loadConfig()
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, filepath.Join(home, "hero.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(home, "actions"), cfg.ActionsDir)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.True(t, cfg.WebSocket)
	assert.Equal(t, time.Second, cfg.pollInterval())
}

func TestLoadConfig_Layers(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HERO_HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.json"),
		[]byte(`{"listen_addr":":9000","concurrency":8,"log_level":"debug","websocket":false}`), 0o644))

	cfg := loadConfig()
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.False(t, cfg.WebSocket)
	assert.Equal(t, "hero", cfg.ServerName, "unset keys keep defaults")

	t.Setenv("HERO_LISTEN_ADDR", ":7000")
	t.Setenv("HERO_CONCURRENCY", "2")
	t.Setenv("HERO_QUEUES", "mail, reports,,")
	t.Setenv("HERO_WEBSOCKET", "1")
	t.Setenv("HERO_POLL_INTERVAL", "250ms")

	cfg = loadConfig()
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, 2, cfg.Concurrency)
	assert.Equal(t, []string{"mail", "reports"}, cfg.Queues)
	assert.True(t, cfg.WebSocket)
	assert.Equal(t, 250*time.Millisecond, cfg.pollInterval())
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_BadSettingsIgnored(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HERO_HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.json"), []byte(`{not json`), 0o644))

	assert.Equal(t, ":8080", loadConfig().ListenAddr)
}

func TestConfigDSN(t *testing.T) {
	assert.Equal(t, "file:/tmp/hero.db", Config{DBPath: "/tmp/hero.db"}.dsn())
	assert.Equal(t, "file:/tmp/hero.db", Config{DBPath: "file:/tmp/hero.db"}.dsn())
	assert.Equal(t, "libsql://db.example.com", Config{DBPath: "libsql://db.example.com"}.dsn())
}

func TestJobRetention(t *testing.T) {
	d, ok := Config{JobRetention: "24h"}.jobRetention()
	assert.True(t, ok)
	assert.Equal(t, 24*time.Hour, d)

	for _, v := range []string{"", "0", "-1h", "weekly"} {
		_, ok := Config{JobRetention: v}.jobRetention()
		assert.False(t, ok, v)
	}
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()
	same := diffConfigs(old, old)
	assert.False(t, same.WebSocketChanged)
	assert.False(t, same.LogLevelChanged)
	assert.Empty(t, same.RestartNeeded)

	next := old
	next.WebSocket = !old.WebSocket
	next.LogLevel = "debug"
	next.ListenAddr = ":1"
	next.Queues = []string{"mail"}
	d := diffConfigs(old, next)
	assert.True(t, d.WebSocketChanged)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"listen_addr", "queues"}, d.RestartNeeded)
}

func TestWriteSettingsRoundTrip(t *testing.T) {
	t.Setenv("HERO_HOME", t.TempDir())
	cfg := defaultConfig()
	cfg.ServerName = "custom"
	cfg.Queues = []string{"a"}
	require.NoError(t, writeSettings(cfg))

	got := loadConfig()
	assert.Equal(t, "custom", got.ServerName)
	assert.Equal(t, []string{"a"}, got.Queues)
}

func TestRunnerConfig(t *testing.T) {
	cfg := defaultConfig()
	rc := cfg.runnerConfig()
	assert.Equal(t, 4, rc.Concurrency)
	assert.Equal(t, time.Second, rc.PollInterval)
	assert.Nil(t, rc.Breaker)

	cfg.BreakerThreshold = 3
	cfg.BreakerCooldown = "1m"
	rc = cfg.runnerConfig()
	if assert.NotNil(t, rc.Breaker) {
		assert.Equal(t, 3, rc.Breaker.FailureThreshold)
		assert.Equal(t, time.Minute, rc.Breaker.Cooldown)
	}
}

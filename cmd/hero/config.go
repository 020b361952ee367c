package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/hero/internal/tasks"
)

// Config holds all hero server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr   string   `json:"listen_addr"`
	DBPath       string   `json:"db_path"`
	ActionsDir   string   `json:"actions_dir"`
	LogLevel     string   `json:"log_level"`
	LogFormat    string   `json:"log_format"`
	ServerName   string   `json:"server_name"`
	Concurrency  int      `json:"concurrency"`
	Queues       []string `json:"queues,omitempty"`
	PollInterval string   `json:"poll_interval"`
	WebSocket    bool     `json:"websocket"`
	MaxBodyBytes int64    `json:"max_body_bytes"`
	JobRetention string   `json:"job_retention"`

	// BreakerThreshold opens a task's circuit after this many consecutive
	// job failures. Zero disables circuit breaking.
	BreakerThreshold int    `json:"breaker_threshold"`
	BreakerCooldown  string `json:"breaker_cooldown"`

	// DisableParamScrubbing keeps undeclared params on the connection.
	DisableParamScrubbing bool `json:"disable_param_scrubbing"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:   ":8080",
		DBPath:       filepath.Join(heroDir(), "hero.db"),
		ActionsDir:   filepath.Join(heroDir(), "actions"),
		LogLevel:     "info",
		LogFormat:    "json",
		ServerName:   "hero",
		Concurrency:  4,
		PollInterval: "1s",
		WebSocket:    true,
		MaxBodyBytes: 1 << 20,
		JobRetention: "168h",

		BreakerCooldown: "30s",
	}
}

func heroDir() string {
	if v := os.Getenv("HERO_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hero"
	}
	return filepath.Join(home, ".hero")
}

func settingsPath() string {
	return filepath.Join(heroDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("HERO_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("HERO_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("HERO_ACTIONS_DIR"); v != "" {
		cfg.ActionsDir = v
	}
	if v := os.Getenv("HERO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HERO_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("HERO_SERVER_NAME"); v != "" {
		cfg.ServerName = v
	}
	if v := os.Getenv("HERO_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("HERO_QUEUES"); v != "" {
		cfg.Queues = splitList(v)
	}
	if v := os.Getenv("HERO_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}
	if v := os.Getenv("HERO_WEBSOCKET"); v != "" {
		cfg.WebSocket = v == "true" || v == "1"
	}
	if v := os.Getenv("HERO_JOB_RETENTION"); v != "" {
		cfg.JobRetention = v
	}
	if v := os.Getenv("HERO_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BreakerThreshold = n
		}
	}

	return cfg
}

// pollInterval parses PollInterval, falling back to one second.
func (c Config) pollInterval() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// jobRetention parses JobRetention. Pruning is off unless it is a positive duration.
func (c Config) jobRetention() (time.Duration, bool) {
	d, err := time.ParseDuration(c.JobRetention)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// runnerConfig builds the job runner configuration.
func (c Config) runnerConfig() tasks.RunnerConfig {
	rc := tasks.RunnerConfig{
		Queues:       c.Queues,
		Concurrency:  c.Concurrency,
		PollInterval: c.pollInterval(),
	}
	if c.BreakerThreshold > 0 {
		cooldown, _ := time.ParseDuration(c.BreakerCooldown)
		rc.Breaker = &tasks.BreakerConfig{
			FailureThreshold: c.BreakerThreshold,
			Cooldown:         cooldown,
		}
	}
	return rc
}

// dsn turns DBPath into a libsql data source name.
func (c Config) dsn() string {
	for _, prefix := range []string{"file:", "libsql:", "http:", "https:", "ws:", "wss:"} {
		if strings.HasPrefix(c.DBPath, prefix) {
			return c.DBPath
		}
	}
	return "file:" + c.DBPath
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	WebSocketChanged bool
	LogLevelChanged  bool
	RestartNeeded    []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.WebSocket != new.WebSocket {
		d.WebSocketChanged = true
	}
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.ActionsDir != new.ActionsDir {
		d.RestartNeeded = append(d.RestartNeeded, "actions_dir")
	}
	if old.Concurrency != new.Concurrency {
		d.RestartNeeded = append(d.RestartNeeded, "concurrency")
	}
	if strings.Join(old.Queues, ",") != strings.Join(new.Queues, ",") {
		d.RestartNeeded = append(d.RestartNeeded, "queues")
	}
	return d
}

func pidPath() string {
	return filepath.Join(heroDir(), "hero.pid")
}

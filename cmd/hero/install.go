package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// runInstall writes settings.json from flags and asks a running server to
// reload it.
func runInstall(args []string) {
	def := defaultConfig()
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	listenAddr := fs.String("listen-addr", def.ListenAddr, "TCP listen address")
	dbPath := fs.String("db-path", def.DBPath, "database path or libsql URL")
	actionsDir := fs.String("actions-dir", def.ActionsDir, "directory of action files")
	logLevel := fs.String("log-level", def.LogLevel, "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", def.LogFormat, "log format: json or text")
	serverName := fs.String("server-name", def.ServerName, "name reported in serverInformation")
	concurrency := fs.Int("concurrency", def.Concurrency, "jobs processed at once")
	queues := fs.String("queues", "", "comma-separated queues to process (default: all)")
	websocket := fs.Bool("websocket", def.WebSocket, "serve the /ws endpoint")
	retention := fs.String("job-retention", def.JobRetention, "delete finished jobs after this long (0 disables)")
	breaker := fs.Int("breaker-threshold", def.BreakerThreshold, "consecutive job failures that pause a task (0 disables)")
	cooldown := fs.String("breaker-cooldown", def.BreakerCooldown, "how long a paused task waits before retrying")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if err := os.MkdirAll(heroDir(), 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", heroDir(), err)
		os.Exit(1)
	}

	cfg := def
	cfg.ListenAddr = *listenAddr
	cfg.DBPath = *dbPath
	cfg.ActionsDir = *actionsDir
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.ServerName = *serverName
	cfg.Concurrency = *concurrency
	cfg.Queues = splitList(*queues)
	cfg.WebSocket = *websocket
	cfg.JobRetention = *retention
	cfg.BreakerThreshold = *breaker
	cfg.BreakerCooldown = *cooldown

	if err := writeSettings(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", settingsPath())

	if signalRunningServer() {
		return
	}
	fmt.Println("No running server found; start one with: hero serve")
}

func writeSettings(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}

// signalRunningServer sends SIGHUP to a running hero server (via pidfile).
// Returns true if the server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}

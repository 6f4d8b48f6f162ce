// Command fam-daemon runs the ptrace fallback tracer daemon (C9): it
// listens on a handoff socket for statically-linked tracees that a
// bootstrapped process routed its way, and seizes and drives each one
// until its whole process tree exits.
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/criyle/fileaccess/daemon"
	"github.com/criyle/fileaccess/internal/daemonconfig"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to daemon config YAML (default: $FAM_DAEMON_CONFIG or built-in)")
	flag.Parse()

	cfg, err := daemonconfig.Load(configPath)
	if err != nil {
		slog.Error("fam-daemon: loading config failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	queueName := cfg.QueueName
	if queueName == "" {
		queueName = daemonconfig.Default().QueueName
	}

	d := daemon.New(cfg, logger)
	if err := d.ListenAndServe(queueName); err != nil {
		logger.Error("fam-daemon: exiting", "error", err)
		os.Exit(1)
	}
}

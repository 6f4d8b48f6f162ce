// Package daemonconfig loads the ptrace tracer daemon's own operator
// config — distinct from the per-pip CBOR manifest (internal/manifest),
// which the build engine produces once per pip invocation. This config
// is read once at daemon startup (spec.md §4.12 / C11).
package daemonconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable the daemon falls back to
// when no --config flag is given.
const EnvConfigPath = "FAM_DAEMON_CONFIG"

// Config is the daemon's own settings.
type Config struct {
	// QueueName is the default POSIX-message-queue (here: unix seqpacket
	// socket) name tracees signal on when no manifest-supplied name
	// overrides it.
	QueueName string `yaml:"queue_name"`

	// LogLevel is one of debug, info, warn, error, parsed into a
	// log/slog.Level by the daemon's logger setup.
	LogLevel string `yaml:"log_level"`

	// ForcedPtraceBasenames lists executable basenames to route through
	// the ptrace fallback. It is parsed and held in the config only: the
	// daemon does not read it, and routing uses the manifest's own
	// forced-ptrace list alone.
	ForcedPtraceBasenames []string `yaml:"forced_ptrace_basenames"`

	// SeccompSyscallOverrides lists syscall names to add to or remove from
	// the trace filter. It is parsed and held in the config only: the
	// daemon does not read it, and the filter is always built from
	// ptracer.SeccompSyscallNames unchanged.
	SeccompSyscallOverrides SeccompOverrides `yaml:"seccomp_syscall_overrides"`
}

// SeccompOverrides names syscalls to add to or remove from the default
// ~50-syscall trace filter; see Config.SeccompSyscallOverrides.
type SeccompOverrides struct {
	Add    []string `yaml:"add,omitempty"`
	Remove []string `yaml:"remove,omitempty"`
}

// Default returns the built-in configuration used when no file is given.
func Default() Config {
	return Config{
		QueueName: "/fam-ptrace",
		LogLevel:  "info",
	}
}

// Load reads path, or the file named by $FAM_DAEMON_CONFIG if path is
// empty. An empty path and unset env var is not an error: the daemon
// runs on Default().
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("daemonconfig: reading %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("daemonconfig: parsing %s: %w", path, err)
	}
	return cfg, nil
}

package daemonconfig

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	os.Unsetenv(EnvConfigPath)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("Load(\"\") = %+v, want Default()", cfg)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.yaml")
	contents := "queue_name: /custom-queue\nlog_level: debug\nforced_ptrace_basenames: [busybox, sh]\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QueueName != "/custom-queue" || cfg.LogLevel != "debug" || len(cfg.ForcedPtraceBasenames) != 2 {
		t.Errorf("Load = %+v", cfg)
	}
}

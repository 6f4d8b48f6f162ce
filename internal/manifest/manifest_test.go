package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLookupDeepestScope(t *testing.T) {
	m := New(1, -1, "/tmp/pipe", "/opt/fam.so", FlagMonitorChildren)
	m.AddScope("/", ScopePolicy{AllowRead: true})
	m.AddScope("/out", ScopePolicy{AllowRead: true, AllowWrite: true, IsWriteableMount: true})
	m.AddScope("/out/logs", ScopePolicy{AllowRead: true})

	tests := []struct {
		path       string
		wantWrite  bool
		wantPrefix string
	}{
		{"/etc/hosts", false, "root"},
		{"/out/bin/a.out", true, "/out"},
		{"/out/logs/build.log", false, "/out/logs"},
	}
	for _, tt := range tests {
		p, ok := m.Lookup(tt.path)
		if !ok {
			t.Fatalf("Lookup(%s): no scope matched", tt.path)
		}
		if p.AllowWrite != tt.wantWrite {
			t.Errorf("Lookup(%s).AllowWrite = %v, want %v (scope %s)", tt.path, p.AllowWrite, tt.wantWrite, tt.wantPrefix)
		}
	}
}

func TestLoadFileRoundTrip(t *testing.T) {
	m := New(42, 1, "/tmp/report.pipe", "/opt/libfam.so", FlagMonitorChildren|FlagPtraceEnabled)
	m.AddScope("/src", ScopePolicy{AllowRead: true})
	m.AddScope("/out", ScopePolicy{AllowWrite: true, ReportExplicitly: true})
	m.AddForcedPtrace("busybox")

	blob, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.cbor")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.PipID != 42 || loaded.RootPID != 1 {
		t.Errorf("round trip lost identity: pipID=%d rootPID=%d", loaded.PipID, loaded.RootPID)
	}
	if !loaded.IsMonitoringChildren() || !loaded.PtraceEnabled() {
		t.Errorf("round trip lost flags")
	}
	if !loaded.ShouldForcePtrace("busybox") {
		t.Errorf("round trip lost forced ptrace set")
	}
	p, ok := loaded.Lookup("/out/a.txt")
	if !ok || !p.AllowWrite || !p.ReportExplicitly {
		t.Errorf("round trip lost /out scope: %+v ok=%v", p, ok)
	}
}

func TestLoadMissingEnv(t *testing.T) {
	os.Unsetenv(EnvManifestPath)
	if _, err := Load(); err == nil {
		t.Error("Load: expected error when BXL_FAM_PATH is unset")
	}
}

package bootstrap

import (
	"os"
	"strings"
	"testing"

	"github.com/criyle/fileaccess/internal/manifest"
)

func TestResolveRootIdentityAsRoot(t *testing.T) {
	os.Setenv(EnvRootPID, "1")
	defer os.Unsetenv(EnvRootPID)
	pid, isRoot := resolveRootIdentity()
	if !isRoot || pid != int32(os.Getpid()) {
		t.Fatalf("got pid=%d isRoot=%v, want pid=%d isRoot=true", pid, isRoot, os.Getpid())
	}
}

func TestResolveRootIdentityInherited(t *testing.T) {
	os.Setenv(EnvRootPID, "42")
	defer os.Unsetenv(EnvRootPID)
	pid, isRoot := resolveRootIdentity()
	if isRoot || pid != 42 {
		t.Fatalf("got pid=%d isRoot=%v, want pid=42 isRoot=false", pid, isRoot)
	}
}

func newTestState(t *testing.T, monitorChildren, ptraceEnabled bool) *State {
	t.Helper()
	var flags manifest.Flags
	if monitorChildren {
		flags |= manifest.FlagMonitorChildren
	}
	if ptraceEnabled {
		flags |= manifest.FlagPtraceEnabled
	}
	m := manifest.New(1, 100, "/tmp/report", "/opt/fam/libfam.so", flags)
	m.AddForcedPtrace("static-tool")
	return &State{Manifest: m, RootPID: 100, IsRoot: true}
}

func TestExecEnvStripsWhenMonitoringOff(t *testing.T) {
	s := newTestState(t, false, false)
	env := []string{
		"PATH=/bin",
		"LD_PRELOAD=/opt/fam/libfam.so",
		manifest.EnvManifestPath + "=/tmp/manifest.cbor",
		EnvRootPID + "=100",
	}
	out := s.ExecEnv(env)
	for _, kv := range out {
		if strings.HasPrefix(kv, "LD_PRELOAD=") || strings.HasPrefix(kv, manifest.EnvManifestPath+"=") || strings.HasPrefix(kv, EnvRootPID+"=") {
			t.Fatalf("observer var survived in stripped env: %q", kv)
		}
	}
	found := false
	for _, kv := range out {
		if kv == "PATH=/bin" {
			found = true
		}
	}
	if !found {
		t.Fatal("unrelated env var was dropped")
	}
}

func TestExecEnvPreservesOtherPreloadsWhenStripping(t *testing.T) {
	s := newTestState(t, false, false)
	env := []string{"LD_PRELOAD=/usr/lib/other.so:/opt/fam/libfam.so"}
	out := s.ExecEnv(env)
	for _, kv := range out {
		if strings.HasPrefix(kv, "LD_PRELOAD=") {
			if !strings.Contains(kv, "/usr/lib/other.so") {
				t.Fatalf("stripped out unrelated preload: %q", kv)
			}
			if strings.Contains(kv, "/opt/fam/libfam.so") {
				t.Fatalf("failed to strip own preload: %q", kv)
			}
		}
	}
}

func TestExecEnvForceAddsWhenMonitoring(t *testing.T) {
	os.Setenv(manifest.EnvManifestPath, "/tmp/manifest.cbor")
	defer os.Unsetenv(manifest.EnvManifestPath)
	s := newTestState(t, true, true)
	s.Manifest.PTraceMQName = "/fam-ptrace"
	out := s.ExecEnv([]string{"LD_PRELOAD=/usr/lib/other.so"})

	var ldPreload, mqName, forced string
	for _, kv := range out {
		switch {
		case strings.HasPrefix(kv, "LD_PRELOAD="):
			ldPreload = kv
		case strings.HasPrefix(kv, EnvPTraceMQName+"="):
			mqName = kv
		case strings.HasPrefix(kv, EnvPTraceForced+"="):
			forced = kv
		}
	}
	if !strings.Contains(ldPreload, "/usr/lib/other.so") || !strings.Contains(ldPreload, "/opt/fam/libfam.so") {
		t.Fatalf("LD_PRELOAD not merged: %q", ldPreload)
	}
	if mqName != EnvPTraceMQName+"=/fam-ptrace" {
		t.Fatalf("ptrace mq name not propagated: %q", mqName)
	}
	if forced != EnvPTraceForced+"=static-tool" {
		t.Fatalf("forced ptrace list not propagated: %q", forced)
	}
}

// Package bootstrap implements C10: first-hook process initialization
// (reading the root-pid env var, parsing the manifest, opening the
// report pipe) and the environment rewriting every exec* shim applies to
// a child's environment before the real execve runs (spec.md §4.10).
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/criyle/fileaccess/internal/access"
	"github.com/criyle/fileaccess/internal/fdtable"
	"github.com/criyle/fileaccess/internal/manifest"
	"github.com/criyle/fileaccess/internal/staticlink"
)

// Environment variable names the observer recognizes (spec.md §6).
const (
	EnvRootPID      = "BXL_ROOT_PID"
	EnvPreloadPath  = "BXL_DETOURS_PATH"
	EnvPTraceMQName = "BXL_PTRACE_MQ_NAME"
	EnvPTraceForced = "BXL_PTRACE_FORCED"
	EnvLDPreload    = "LD_PRELOAD"
)

// State is the per-process singleton the preload shims and the ptrace
// syscall handlers dispatch through.
type State struct {
	Dispatcher *access.Dispatcher
	FDs        *fdtable.Table
	Manifest   *manifest.Manifest
	RootPID    int32
	IsRoot     bool

	// StaticLink decides whether an exec target must be routed through
	// the ptrace fallback (C8), consulted by the execve shim.
	StaticLink *staticlink.Detector

	pipe *os.File

	mu   sync.Mutex
	done bool
}

var (
	global   *State
	globalMu sync.Mutex
)

// Init runs the first-hook initialization sequence: resolve root-pid
// identity, parse the manifest, and open the report pipe. Safe to call
// more than once (e.g. from multiple libc entry points racing on the
// very first call); only the first call does any work.
func Init() (*State, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return global, nil
	}

	m, err := manifest.Load()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	pipe, err := os.OpenFile(m.ReportPipePath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: opening report pipe %s: %w", m.ReportPipePath, err)
	}

	fds := fdtable.New(func(fd int) (string, error) {
		return os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
	})

	dispatch := access.New(m, fds, pipe, func(path string) (string, bool, error) {
		target, err := os.Readlink(path)
		if err != nil {
			return "", false, nil
		}
		return target, true, nil
	}, access.FS{
		Exists: func(path string) bool {
			_, err := os.Lstat(path)
			return err == nil
		},
		Children: func(path string) ([]string, bool) {
			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, false
			}
			names := make([]string, len(entries))
			for i, e := range entries {
				names[i] = e.Name()
			}
			return names, true
		},
	})

	rootPID, isRoot := resolveRootIdentity()

	forced := make(map[string]bool)
	for _, n := range m.ForcedPtraceNames() {
		forced[n] = true
	}

	s := &State{
		Dispatcher: dispatch,
		FDs:        fds,
		Manifest:   m,
		RootPID:    rootPID,
		IsRoot:     isRoot,
		StaticLink: staticlink.New(forced),
		pipe:       pipe,
	}
	global = s
	return s, nil
}

// resolveRootIdentity implements spec.md §6's $BXL_ROOT_PID table: "1"
// means this process is the root (use its own pid); "-1" or unset means
// there is nothing to inherit from, which only happens for a process
// started outside of the normal exec-propagation chain, so it is treated
// as root too; any other positive value is the already-known root pid
// inherited from an ancestor's exec.
func resolveRootIdentity() (rootPID int32, isRoot bool) {
	raw := os.Getenv(EnvRootPID)
	switch raw {
	case "1", "":
		return int32(os.Getpid()), true
	case "-1":
		return int32(os.Getpid()), true
	}
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return int32(os.Getpid()), true
	}
	return int32(v), int32(v) == int32(os.Getpid())
}

// ShouldRoutePtrace reports whether execPath must be handed off to the
// ptrace fallback daemon instead of relying on LD_PRELOAD (spec.md §4.8):
// ptrace has to be configured at all, and then either every child is
// forced through it regardless of linking, or the static-link detector
// finds the target has no dynamic libc dependency (or its basename is in
// the manifest's forced set, which the detector also consults).
func (s *State) ShouldRoutePtrace(execPath string) (bool, error) {
	if !s.Manifest.PtraceEnabled() {
		return false, nil
	}
	if s.Manifest.PtraceUnconditional() {
		return true, nil
	}
	static, _, err := s.StaticLink.IsStaticallyLinked(execPath)
	if err != nil {
		return false, err
	}
	return static, nil
}

// Shutdown flushes the process's final state. Called once, from whatever
// the process's own exit path is (the preload library's exit/_exit
// hook): if this process is the pip's root, it
// reports process-tree-completed (spec.md §4.10 step 3).
func (s *State) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	if s.IsRoot {
		s.Dispatcher.ProcessTreeCompleted(s.RootPID)
	}
	s.pipe.Close()
}

// ExecEnv rewrites env for a child about to exec, per spec.md
// §4.10's "On every exec* shim call" rule: strip the observer's own
// variables when child monitoring is off, otherwise force-add them
// (appending to any existing LD_PRELOAD list rather than replacing it).
func (s *State) ExecEnv(env []string) []string {
	if !s.Manifest.IsMonitoringChildren() {
		return stripObserverVars(env, s.Manifest.PreloadLibraryPath)
	}

	out := dropObserverVars(env)
	out = append(out, mergeLDPreload(env, s.Manifest.PreloadLibraryPath))
	out = append(out, manifest.EnvManifestPath+"="+os.Getenv(manifest.EnvManifestPath))
	out = append(out, EnvRootPID+"="+strconv.FormatInt(int64(s.RootPID), 10))
	out = append(out, EnvPreloadPath+"="+s.Manifest.PreloadLibraryPath)
	if s.Manifest.PtraceEnabled() {
		out = append(out, EnvPTraceMQName+"="+s.Manifest.PTraceMQName)
		if forced := s.Manifest.ForcedPtraceNames(); len(forced) > 0 {
			out = append(out, EnvPTraceForced+"="+strings.Join(forced, ";"))
		}
	}
	return out
}

var observerVarNames = map[string]bool{
	manifest.EnvManifestPath: true,
	EnvRootPID:               true,
	EnvPreloadPath:           true,
	EnvPTraceMQName:          true,
	EnvPTraceForced:          true,
}

func stripObserverVars(env []string, ourPath string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, value, _ := strings.Cut(kv, "=")
		if observerVarNames[name] {
			continue
		}
		if name == EnvLDPreload {
			if rewritten := removeFromLDPreload(value, ourPath); rewritten != "" {
				out = append(out, EnvLDPreload+"="+rewritten)
			}
			continue
		}
		out = append(out, kv)
	}
	return out
}

// dropObserverVars removes every observer-recognized variable (including
// LD_PRELOAD entirely) from env, for callers about to re-add their own
// correctly merged versions.
func dropObserverVars(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if observerVarNames[name] || name == EnvLDPreload {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// removeFromLDPreload drops ourPath out of a colon-separated LD_PRELOAD
// value, leaving any other libraries in place.
func removeFromLDPreload(value, ourPath string) string {
	parts := strings.Split(value, ":")
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" && p != ourPath {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ":")
}

func mergeLDPreload(env []string, ourPath string) string {
	for _, kv := range env {
		name, value, ok := strings.Cut(kv, "=")
		if ok && name == EnvLDPreload {
			if strings.Contains(value, ourPath) {
				return kv
			}
			return EnvLDPreload + "=" + value + ":" + ourPath
		}
	}
	return EnvLDPreload + "=" + ourPath
}

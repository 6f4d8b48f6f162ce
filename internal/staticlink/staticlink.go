// Package staticlink implements C8: deciding whether a candidate
// executable is statically linked, which routes it through the ptrace
// fallback instead of relying on the dynamic loader's pre-load mechanism
// (spec.md §4.8). The decision is cached per (mtime, path) since the
// underlying objdump probe is comparatively expensive and a build may
// exec the same tool hundreds of times.
package staticlink

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ObjdumpPath is the probe binary invoked to inspect a candidate
// executable's program headers. Overridable in tests.
var ObjdumpPath = "/usr/bin/objdump"

// Detector caches is-statically-linked decisions keyed by mtime-qualified
// path (spec.md §4.8 step 2: "mtime-seconds + ':' + path"), so a binary
// that gets relinked between builds is re-probed rather than trusting a
// stale verdict.
type Detector struct {
	mu sync.Mutex
	// forced holds basenames the manifest always routes through ptrace,
	// regardless of what objdump would say (spec.md §4.8 step 1).
	forced map[string]bool
	cache  map[string]bool
}

// New builds a detector. forcedBasenames mirrors the manifest's
// forced-ptrace set; passing it in here keeps this package manifest-
// agnostic and unit testable.
func New(forcedBasenames map[string]bool) *Detector {
	if forcedBasenames == nil {
		forcedBasenames = map[string]bool{}
	}
	return &Detector{forced: forcedBasenames, cache: make(map[string]bool)}
}

// IsStaticallyLinked reports whether path should be routed through the
// ptrace fallback: either its basename is in the forced set, or objdump's
// program-header dump lacks a dynamic NEEDED entry for libc (spec.md
// §4.8 steps 1-3). forced is reported via the second return value so the
// caller can still emit the forced-case StaticallyLinkedProcess report
// distinctly from a probed one, though both carry the same boolean truth.
func (d *Detector) IsStaticallyLinked(path string) (static bool, forced bool, err error) {
	base := basename(path)
	if d.forced[base] {
		return true, true, nil
	}

	key, statErr := cacheKey(path)
	if statErr == nil {
		d.mu.Lock()
		if v, ok := d.cache[key]; ok {
			d.mu.Unlock()
			return v, false, nil
		}
		d.mu.Unlock()
	}

	static, err = probe(path)
	if err != nil {
		return false, false, err
	}
	if statErr == nil {
		d.mu.Lock()
		d.cache[key] = static
		d.mu.Unlock()
	}
	return static, false, nil
}

func basename(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func cacheKey(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%s", fi.ModTime().Unix(), path), nil
}

// probe forks and execs `objdump -p path` and inspects its output for a
// dynamic NEEDED entry on libc. Anything else (a binary objdump refuses
// to read, a missing NEEDED line) is treated as statically linked, per
// spec.md §4.8 step 3's stated fallback.
func probe(path string) (bool, error) {
	cmd := exec.Command(ObjdumpPath, "-p", path)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return false, fmt.Errorf("staticlink: running %s -p %s: %w", ObjdumpPath, path, err)
		}
	}
	text := out.String()
	dynamic := strings.Contains(text, "Program Header:") && strings.Contains(text, "NEEDED               libc.so.")
	return !dynamic, nil
}

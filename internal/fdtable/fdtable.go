// Package fdtable implements C3: the per-process map from an open file
// descriptor to its last-known resolved path (spec.md §4.3). It backs
// both the in-process interposer (looking up a path for an fd-relative
// syscall) and the ptrace tracer (looking up a path for a descriptor
// inside the tracee, via /proc/<pid>/fd).
package fdtable

import "sync"

// MaxFD bounds the fixed-size fast path; descriptors at or above it fall
// back to ProcLookup directly (spec.md §3: "Array of up to 1024 path
// slots... out-of-range descriptors read from /proc/self/fd/N").
const MaxFD = 1024

// ProcLookup resolves the current path of fd by reading /proc/<pid>/fd/fd
// (or /proc/self/fd/fd for the in-process table). Supplied by the caller
// so this package never itself touches /proc, which keeps it unit
// testable and keeps the ptrace-vs-in-process distinction at the edges.
type ProcLookup func(fd int) (string, error)

// Table is a per-process fd -> path cache. It is not safe for use across
// processes: after fork the kernel's copy-on-write page tables duplicate
// it for free (spec.md §9 "Fork/clone duplication"); after clone(CLONE_VM)
// threads share the same memory, which is correct because all threads
// share one manifest and one cache.
type Table struct {
	mu      sync.RWMutex
	slots   [MaxFD]string
	present [MaxFD]bool
	proc    ProcLookup
	// Disabled is set while the ptrace tracer drives a tracee: the tracer
	// cannot observe the tracee's own libc calls, so the fast path can
	// never be trusted and every lookup must hit /proc (spec.md §4.3).
	Disabled bool
}

// New creates an empty table backed by proc for descriptors it hasn't
// seen or that fall outside the fixed array.
func New(proc ProcLookup) *Table {
	return &Table{proc: proc}
}

// Set records path as fd's last-known path (called after a successful
// open/openat/dup/etc).
func (t *Table) Set(fd int, path string) {
	if fd < 0 || fd >= MaxFD {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[fd] = path
	t.present[fd] = true
}

// Invalidate clears fd's entry (close, dup2 onto an existing fd, fcntl
// F_DUPFD*, or any internal open that could reuse the descriptor number;
// spec.md §4.3).
func (t *Table) Invalidate(fd int) {
	if fd < 0 || fd >= MaxFD {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.present[fd] = false
	t.slots[fd] = ""
}

// Get returns fd's cached path, falling back to ProcLookup when the fast
// path is disabled, out of range, or has no entry (spec.md invariant 2:
// the entry equals the last read_path_for_fd result, or is empty).
func (t *Table) Get(fd int) (string, bool) {
	if !t.Disabled && fd >= 0 && fd < MaxFD {
		t.mu.RLock()
		path, ok := t.slots[fd], t.present[fd]
		t.mu.RUnlock()
		if ok {
			return path, true
		}
	}
	if t.proc == nil {
		return "", false
	}
	path, err := t.proc(fd)
	if err != nil {
		return "", false
	}
	if !t.Disabled && fd >= 0 && fd < MaxFD {
		t.Set(fd, path)
	}
	return path, true
}

// Fork returns a copy of t for a newly forked child: the kernel's
// copy-on-write semantics make this exact, but the tracer-side code that
// tracks tracee FD tables in Go memory (rather than relying on COW) needs
// an explicit copy (spec.md invariant 3).
func (t *Table) Fork() *Table {
	t.mu.RLock()
	defer t.mu.RUnlock()
	clone := &Table{proc: t.proc, Disabled: t.Disabled}
	clone.slots = t.slots
	clone.present = t.present
	return clone
}

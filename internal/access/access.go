// Package access is the shared policy+serializer module referenced by
// both the libc interposer (C7) and the ptrace tracer (C9): given a
// decoded syscall, it resolves the path, consults the cache and policy
// engine, and emits the resulting access report(s). Reusing a single
// dispatch module for both call sites keeps their reporting semantics
// identical, which is the whole reason the two subsystems exist in the
// first place — a build may see either one attach to a given pip, and
// the supervisor must not be able to tell which.
package access

import (
	"io"
	"strings"
	"sync"

	"github.com/criyle/fileaccess/internal/eventcache"
	"github.com/criyle/fileaccess/internal/fdtable"
	"github.com/criyle/fileaccess/internal/manifest"
	"github.com/criyle/fileaccess/internal/pathresolve"
	"github.com/criyle/fileaccess/internal/policy"
	"github.com/criyle/fileaccess/internal/report"
)

// FS is the filesystem-probe surface Dispatcher needs beyond path
// resolution: whether a path exists right now (so FirstAllowWriteCheck's
// status reflects creation vs. modification rather than policy's verdict)
// and a directory's immediate child names (so a directory Rename can
// re-emit the per-child pairs spec.md §4.7 calls for). The interposer
// backs both with direct os calls against its own filesystem view; the
// tracer backs them the same way, since it shares the traced process's
// filesystem namespace rather than observing it through /proc.
type FS struct {
	Exists   func(path string) bool
	Children func(path string) ([]string, bool)
}

// Dispatcher ties together one process's (or one tracee's) manifest,
// resolver, fd table, event cache and policy evaluator, and knows how to
// turn a decoded access into a framed report on the wire.
type Dispatcher struct {
	Manifest *manifest.Manifest
	FDs      *fdtable.Table
	Cache    *eventcache.Cache
	Policy   *policy.Evaluator

	readlink pathresolve.ReadLink
	fs       FS

	mu sync.Mutex
	w  io.Writer
}

// New builds a dispatcher. readlink backs path normalization's symlink
// steps; it is supplied by the caller so the same dispatcher shape works
// whether it's resolving paths for the calling process itself or for a
// tracee (both the interposer and the tracer pass os.Readlink, since the
// tracer shares the tracee's filesystem view; see FS).
// Resolving a starting directory (AT_FDCWD or a dirfd) into a DirPath
// happens at the call site, via the fd table or a /proc/<pid>/cwd read,
// before Event ever reaches this package. fs supplies the existence and
// directory-listing probes File and Rename need; either field may be nil,
// in which case the behavior it would have backed is skipped.
func New(m *manifest.Manifest, fds *fdtable.Table, w io.Writer, readlink pathresolve.ReadLink, fs FS) *Dispatcher {
	return &Dispatcher{
		Manifest: m,
		FDs:      fds,
		Cache:    eventcache.New(),
		Policy:   policy.New(m),
		readlink: readlink,
		fs:       fs,
		w:        w,
	}
}

// emit writes a single access, serializing writers from multiple threads
// (spec.md §5: the report pipe has many writers, one reader; the kernel
// guarantees atomicity per write() and this mutex serializes the
// report.Write calls of goroutines in the same process).
func (d *Dispatcher) emit(a report.Access) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// A transport failure here (pipe closed, supervisor gone) is not this
	// package's to recover from; the caller's bootstrap layer owns process
	// lifetime decisions. We deliberately swallow the error rather than
	// propagate it into every libc shim's return path.
	_ = report.Write(d.w, a)
}

// resolve normalizes raw (relative to dirPath when not absolute),
// reporting any intermediate symlink traversed along the way under pid.
func (d *Dispatcher) resolve(pid, rootPID int32, raw, dirPath string, followFinal bool) (string, bool) {
	r := &pathresolve.Resolver{
		ReadLink: d.readlink,
		OnSymlink: func(linkPath string) {
			d.emit(report.Access{
				Operation: report.OpReadlink,
				PID:       pid,
				RootPID:   rootPID,
				PipID:     d.Manifest.PipID,
				Allowed:   true,
				Path:      linkPath,
			})
		},
	}
	return r.Normalize(raw, dirPath, followFinal)
}

func classFor(op report.Operation) (eventcache.Class, bool) {
	switch op {
	case report.OpFileWrite, report.OpSetMode, report.OpSetOwner, report.OpSetTime, report.OpCreateFile:
		return eventcache.ClassWrite, true
	case report.OpFileStat, report.OpFileAccess:
		return eventcache.ClassStat, true
	case report.OpFileRead:
		return eventcache.ClassRead, true
	case report.OpFileProbe:
		return eventcache.ClassProbe, true
	case report.OpEnumerateDirectory:
		return eventcache.ClassEnumerate, true
	default:
		// rename, link, fork, exec, exit, debug and the one-shot side
		// reports always bypass the cache (spec.md §4.4 step 3).
		return 0, false
	}
}

func kindFor(op report.Operation) policy.Kind {
	switch op {
	case report.OpFileWrite, report.OpCreateFile, report.OpDeleteFile, report.OpSetMode,
		report.OpSetOwner, report.OpSetTime, report.OpCreateDirectory, report.OpRemoveDirectory,
		report.OpCreateHardlink, report.OpCreateSymlink, report.OpMakeNode,
		report.OpRenameSource, report.OpRenameDest:
		return policy.KindWrite
	case report.OpFileProbe:
		return policy.KindProbe
	default:
		return policy.KindRead
	}
}

func toRequestedAccess(k policy.Kind) report.RequestedAccess {
	switch k {
	case policy.KindWrite:
		return report.AccessWrite
	case policy.KindProbe:
		return report.AccessProbe
	default:
		return report.AccessRead
	}
}

// Event is a single decoded file access the caller wants dispatched.
type Event struct {
	PID         int32
	RootPID     int32
	Operation   report.Operation
	Path        string
	DirPath     string
	FollowFinal bool
	IsDirectory bool
	// AlreadyResolved lets a caller that has already normalized the path
	// (e.g. using a cached fd→path lookup) skip resolution.
	AlreadyResolved bool
	// PreExisted is the caller's own pre-syscall existence check for Path,
	// required for operations that change whether Path exists as their own
	// side effect (create/delete/remove): by the time File runs, the real
	// syscall has already happened, so checking existence now would see
	// the operation's own outcome instead of what came before it. Ignored
	// for every other operation, where checking now is equivalent.
	PreExisted bool
}

// mutatesExistence reports whether op's real syscall itself flips whether
// Path exists, making a post-syscall existence check meaningless for
// FirstAllowWriteCheck's status (spec.md §4.5 step 4).
func mutatesExistence(op report.Operation) bool {
	switch op {
	case report.OpCreateFile, report.OpCreateDirectory, report.OpCreateSymlink,
		report.OpCreateHardlink, report.OpMakeNode, report.OpDeleteFile, report.OpRemoveDirectory:
		return true
	default:
		return false
	}
}

// File resolves and reports a plain single-path file event (read, write,
// stat, access/probe, mkdir, rmdir, setmode, setowner, settime, mknod,
// unlink). It folds cache dedup and policy evaluation, and returns
// whether policy allowed the access — purely informational, since a
// denial is advisory and the syscall always proceeds regardless
// (spec.md §4.5 "Denial is advisory").
func (d *Dispatcher) File(ev Event) (allowed bool) {
	path := ev.Path
	if !ev.AlreadyResolved {
		resolved, ok := d.resolve(ev.PID, ev.RootPID, ev.Path, ev.DirPath, ev.FollowFinal)
		if !ok {
			// Normalization failure suppresses the report entirely
			// (spec.md invariant 7); the syscall is unaffected.
			return true
		}
		path = resolved
	}

	kind := kindFor(ev.Operation)
	if class, cacheable := classFor(ev.Operation); cacheable {
		if d.Cache.Seen(class, path) {
			v := d.Policy.Evaluate(path, kind)
			return v.Allowed
		}
	}

	v := d.Policy.Evaluate(path, kind)
	if v.Report {
		d.emit(report.Access{
			Operation:        ev.Operation,
			PID:              ev.PID,
			RootPID:          ev.RootPID,
			RequestedAccess:  toRequestedAccess(kind),
			Allowed:          v.Allowed,
			ReportExplicitly: v.ReportExplicitly,
			PipID:            d.Manifest.PipID,
			IsDirectory:      ev.IsDirectory,
			Path:             path,
		})
	}
	if v.FirstWriteCheck {
		existed := ev.PreExisted
		if !mutatesExistence(ev.Operation) && d.fs.Exists != nil {
			existed = d.fs.Exists(path)
		}
		d.emit(report.Access{
			Operation:       report.OpFirstAllowWriteCheck,
			PID:             ev.PID,
			RootPID:         ev.RootPID,
			RequestedAccess: report.AccessWrite,
			// Allowed here means "this write created the file", not policy's
			// verdict: true iff the file did not already exist (spec.md
			// §4.5 step 4 / glossary "first time a path is written").
			Allowed: !existed,
			PipID:   d.Manifest.PipID,
			Path:    path,
		})
	}
	return v.Allowed
}

// Rename reports a rename as a rename-source@src + rename-dest@dst pair
// (spec.md §3 AccessReportGroup, §4.7 dir-mutate family). Both legs
// bypass the event cache, matching rename's
// general cache-bypass rule. When src names a directory, every immediate
// child is re-emitted as its own unlink@src/child + create@dst/child pair,
// on top of (not instead of) the parent pair — spec.md §9's deliberate
// double-bookkeeping for a directory rename, not a bug to be cleaned up.
func (d *Dispatcher) Rename(pid, rootPID int32, srcRaw, dstRaw, dirPath string) {
	src, srcOK := d.resolve(pid, rootPID, srcRaw, dirPath, false)
	dst, dstOK := d.resolve(pid, rootPID, dstRaw, dirPath, false)
	if srcOK {
		v := d.Policy.Evaluate(src, policy.KindWrite)
		d.emit(report.Access{Operation: report.OpRenameSource, PID: pid, RootPID: rootPID,
			RequestedAccess: report.AccessWrite, Allowed: v.Allowed, PipID: d.Manifest.PipID, Path: src})
	}
	if dstOK {
		v := d.Policy.Evaluate(dst, policy.KindWrite)
		d.emit(report.Access{Operation: report.OpRenameDest, PID: pid, RootPID: rootPID,
			RequestedAccess: report.AccessWrite, Allowed: v.Allowed, PipID: d.Manifest.PipID, Path: dst})
	}
	if srcOK && dstOK {
		d.renameChildren(pid, rootPID, src, dst)
	}
}

// renameChildren lists src's immediate entries (a no-op, via the ok return,
// when src isn't a directory or can't be read) and re-emits each as a
// delete-at-src, create-at-dst pair addressed at the child's own path.
func (d *Dispatcher) renameChildren(pid, rootPID int32, src, dst string) {
	if d.fs.Children == nil {
		return
	}
	children, ok := d.fs.Children(src)
	if !ok {
		return
	}
	srcDir := strings.TrimSuffix(src, "/")
	dstDir := strings.TrimSuffix(dst, "/")
	for _, name := range children {
		childSrc := srcDir + "/" + name
		childDst := dstDir + "/" + name
		d.emit(report.Access{Operation: report.OpDeleteFile, PID: pid, RootPID: rootPID,
			RequestedAccess: report.AccessWrite, Allowed: d.Policy.Evaluate(childSrc, policy.KindWrite).Allowed,
			PipID: d.Manifest.PipID, Path: childSrc})
		d.emit(report.Access{Operation: report.OpCreateFile, PID: pid, RootPID: rootPID,
			RequestedAccess: report.AccessWrite, Allowed: d.Policy.Evaluate(childDst, policy.KindWrite).Allowed,
			PipID: d.Manifest.PipID, Path: childDst})
	}
}

// Link reports a hard-link creation: a read of the existing path plus a
// write (create) of the new name, per the dir-mutate family.
func (d *Dispatcher) Link(pid, rootPID int32, existingRaw, newRaw, dirPath string) {
	if existing, ok := d.resolve(pid, rootPID, existingRaw, dirPath, true); ok {
		v := d.Policy.Evaluate(existing, policy.KindRead)
		d.emit(report.Access{Operation: report.OpFileRead, PID: pid, RootPID: rootPID,
			RequestedAccess: report.AccessRead, Allowed: v.Allowed, PipID: d.Manifest.PipID, Path: existing})
	}
	if newPath, ok := d.resolve(pid, rootPID, newRaw, dirPath, false); ok {
		v := d.Policy.Evaluate(newPath, policy.KindWrite)
		d.emit(report.Access{Operation: report.OpCreateHardlink, PID: pid, RootPID: rootPID,
			RequestedAccess: report.AccessWrite, Allowed: v.Allowed, PipID: d.Manifest.PipID, Path: newPath})
	}
}

// Exec reports the mandatory basename-then-resolved-path pair (spec.md
// invariant 5): the basename report lets the supervisor see the attempt
// even if resolution of the full path later fails.
func (d *Dispatcher) Exec(pid, rootPID int32, basename, resolvedPath string) {
	d.emit(report.Access{Operation: report.OpProcessExec, PID: pid, RootPID: rootPID,
		RequestedAccess: report.AccessRead, Allowed: true, PipID: d.Manifest.PipID, Path: basename})
	d.emit(report.Access{Operation: report.OpProcessExec, PID: pid, RootPID: rootPID,
		RequestedAccess: report.AccessRead, Allowed: true, PipID: d.Manifest.PipID, Path: resolvedPath})
}

// Fork reports a new child (spec.md invariant 4: this must be emitted
// before any report arrives from the child itself — callers achieve that
// ordering by calling Fork on the parent's thread before returning from
// fork()/clone() to the child).
func (d *Dispatcher) Fork(childPID, rootPID int32) {
	d.emit(report.Access{Operation: report.OpProcessFork, PID: childPID, RootPID: rootPID,
		Allowed: true, PipID: d.Manifest.PipID})
}

// Exit reports process termination.
func (d *Dispatcher) Exit(pid, rootPID, exitCode int32) {
	d.emit(report.Access{Operation: report.OpProcessExit, PID: pid, RootPID: rootPID,
		Allowed: true, Error: exitCode, PipID: d.Manifest.PipID})
}

// StaticallyLinkedProcess reports that pid's exe was routed to the
// ptrace fallback, emitted by the static-link detector (C8) through
// whichever dispatcher is handling that pid.
func (d *Dispatcher) StaticallyLinkedProcess(pid, rootPID int32, exePath string) {
	d.emit(report.Access{Operation: report.OpStaticallyLinkedProcess, PID: pid, RootPID: rootPID,
		Allowed: true, PipID: d.Manifest.PipID, Path: exePath})
}

// ProcessTreeCompleted reports that the root pip's entire process tree
// has exited, emitted once by the bootstrap atexit handler on the root
// process only (spec.md §4.10 step 3).
func (d *Dispatcher) ProcessTreeCompleted(rootPID int32) {
	d.emit(report.Access{Operation: report.OpProcessTreeCompleted, PID: rootPID, RootPID: rootPID,
		Allowed: true, PipID: d.Manifest.PipID})
}

// Debug reports an internal diagnostic; these are the only records this
// package allows to exceed PIPE_BUF, since report.Write truncates
// OpDebug frames instead of erroring.
func (d *Dispatcher) Debug(pid, rootPID int32, message string) {
	d.emit(report.Access{Operation: report.OpDebug, PID: pid, RootPID: rootPID,
		Allowed: true, PipID: d.Manifest.PipID, Path: message})
}

// Package ptracer implements the daemon-side half of C9: seizing a
// tracee, decoding each seccomp-filtered syscall's arguments from its
// registers, and reporting through the same access module the in-process
// interposer uses, so the two paths produce byte-identical records
// (spec.md §4.9, §9 "Interposition vs. ptrace duality").
package ptracer

import (
	"github.com/criyle/fileaccess/internal/access"
)

// Handler decodes one seccomp-trap stop for a given syscall number. pid
// identifies the tracee the stop belongs to (not necessarily the tracee
// tree's root — any descendant can report the trap). rootPID is the pip's
// root pid, threaded through for the access report's RootPID field.
type Handler func(d *access.Dispatcher, ctx *Context, pid, rootPID int32)

// Table maps an amd64 syscall number to its decode-and-report handler.
// Only syscalls present in the table are ever dispatched; anything else
// observed during a seccomp trap (which should not happen, since the
// installed filter only traces the syscalls named by SeccompSyscallNames)
// is logged and ignored.
type Table map[uint64]Handler

// Tracer drives one tracee process tree. A tree is everything descended
// from the pid that first signaled the daemon via the handoff queue
// (spec.md §4.9's "one tracer per tracee tree").
type Tracer struct {
	Dispatch *access.Dispatcher
	Syscalls Table
	RootPID  int32
	Debug    func(format string, args ...interface{})

	// tracees is the termination gate: once it is empty after an
	// exit-stop, Run returns. The tracer emits no exit report of its own
	// and sends no exit message on the handoff queue.
	tracees map[int]struct{}
}

func (t *Tracer) debugf(format string, args ...interface{}) {
	if t.Debug != nil {
		t.Debug(format, args...)
	}
}

func (t *Tracer) track(pid int)   { t.tracees[pid] = struct{}{} }
func (t *Tracer) untrack(pid int) { delete(t.tracees, pid) }
func (t *Tracer) empty() bool     { return len(t.tracees) == 0 }

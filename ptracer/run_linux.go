package ptracer

import (
	"syscall"

	unix "golang.org/x/sys/unix"
)

// PTRACE_SEIZE and PTRACE_INTERRUPT have no wrapper in golang.org/x/sys/unix
// (only PTRACE_ATTACH does); their numeric values are stable ptrace(2) ABI
// constants, pinned locally the same way the teacher tracer pins its own
// Linux ptrace/ABI numbers (NT_PRSTATUS, PTRACE_SET_SYSCALL) rather than
// depending on a library for kernel numbers that essentially never change.
const (
	ptraceSeize     = 0x4206
	ptraceInterrupt = 0x4207
)

// seizeOptions mirrors spec.md §4.9 step 1's exact option set.
const seizeOptions = unix.PTRACE_O_TRACESYSGOOD | unix.PTRACE_O_TRACESECCOMP |
	unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACEEXIT

// Seize attaches to an already-running pid without stopping it (unlike
// PTRACE_ATTACH), then PTRACE_INTERRUPTs it once to confirm the attach
// succeeded and the tracee is in a known stopped state before the main
// event loop starts (spec.md §4.9 steps 1-2).
func (t *Tracer) Seize(pid int) error {
	if _, _, errno := syscall.Syscall6(syscall.SYS_PTRACE, ptraceSeize, uintptr(pid), 0, uintptr(seizeOptions), 0, 0); errno != 0 {
		return errno
	}
	if _, _, errno := syscall.Syscall6(syscall.SYS_PTRACE, ptraceInterrupt, uintptr(pid), 0, 0, 0, 0); errno != 0 {
		return errno
	}
	return nil
}

// Run drives the wait4 event loop for pid's entire descendant tree until
// every tracee has exited, dispatching seccomp traps to t.Syscalls and
// fork/exit events directly to t.Dispatch (spec.md §4.9 steps 3-4, the
// "Event dispatch" table, and invariant 4: a fork report precedes any
// report from the new child, satisfied here because the dispatch happens
// synchronously in this loop before PTRACE_SYSCALL ever lets the child
// run any traced syscall of its own).
func (t *Tracer) Run(pid int) error {
	t.tracees = map[int]struct{}{pid: {}}
	if err := unix.PtraceSyscall(pid, 0); err != nil {
		return err
	}

	var status unix.WaitStatus
	for {
		wpid, err := unix.Wait4(-1, &status, 0, nil)
		if err != nil {
			return err
		}
		if _, tracked := t.tracees[wpid]; !tracked {
			// A descendant we haven't recorded yet (its CLONE/FORK event
			// hasn't been delivered to the parent's wait loop first on
			// some kernels) — track it now rather than drop its events.
			t.track(wpid)
		}

		switch {
		case status.Exited(), status.Signaled():
			t.debugf("tracee %d terminated: %v", wpid, status)
			t.Dispatch.Exit(int32(wpid), t.RootPID, int32(exitCodeOf(status)))
			t.untrack(wpid)
			if t.empty() {
				return nil
			}
			continue

		case status.Stopped():
			if err := t.handleStop(wpid, status); err != nil {
				return err
			}
		}
	}
}

func exitCodeOf(status unix.WaitStatus) int {
	if status.Exited() {
		return status.ExitStatus()
	}
	return 128 + int(status.Signal())
}

func (t *Tracer) handleStop(pid int, status unix.WaitStatus) error {
	sig := status.StopSignal()

	if sig == unix.SIGTRAP {
		switch cause := status.TrapCause(); cause {
		case unix.PTRACE_EVENT_CLONE, unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK:
			childPID, err := unix.PtraceGetEventMsg(pid)
			if err == nil {
				child := int(int32(childPID))
				t.track(child)
				t.Dispatch.Fork(int32(child), t.RootPID)
			}
			return unix.PtraceSyscall(pid, 0)

		case unix.PTRACE_EVENT_EXIT:
			// The tracee is about to exit; the actual exit-stop (Exited
			// or Signaled wait status) arrives on the next wait4, which
			// Run's main switch already handles.
			return unix.PtraceSyscall(pid, 0)

		case unix.PTRACE_EVENT_SECCOMP:
			t.handleSeccomp(pid)
			return unix.PtraceCont(pid, 0)

		default:
			t.debugf("tracee %d unexpected trap cause %d", pid, cause)
			return unix.PtraceSyscall(pid, 0)
		}
	}

	// Signal-delivery-stop: re-inject the pending signal on resume
	// (spec.md §4.9 dispatch table).
	return unix.PtraceSyscall(pid, int(sig))
}

func (t *Tracer) handleSeccomp(pid int) {
	ctx, err := newContext(pid)
	if err != nil {
		t.debugf("tracee %d: reading registers: %v", pid, err)
		return
	}
	handler, ok := t.Syscalls[ctx.SyscallNo()]
	if !ok {
		t.debugf("tracee %d: untracked syscall %d reached seccomp trap", pid, ctx.SyscallNo())
		return
	}
	handler(t.Dispatch, ctx, int32(pid), t.RootPID)
}

// stepToExit resumes the tracee past the current seccomp-entry stop with
// one PTRACE_SYSCALL, waits for the matching syscall-exit stop, and
// returns the observed return value. Used only by handlers that need the
// syscall's actual result (spec.md §4.9 "Return-value capture": mkdir,
// rmdir, mkdirat). All other handlers report with Error = 0.
func stepToExit(pid int) (retval int64, err error) {
	if err := unix.PtraceSyscall(pid, 0); err != nil {
		return 0, err
	}
	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
		return 0, err
	}
	ctx, err := newContext(pid)
	if err != nil {
		return 0, err
	}
	return ctx.ReturnValue(), nil
}

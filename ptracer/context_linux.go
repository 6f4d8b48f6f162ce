package ptracer

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	unix "golang.org/x/sys/unix"
)

// pageSize bounds how much of a tracee string read we attempt per
// process_vm_readv call, matching the teacher ptracer's page-at-a-time
// string walk (ptracer/context_helper_linux.go) adapted here for reading
// syscall path arguments out of the tracee's address space.
var pageSize = os.Getpagesize()

// pathMax bounds a single string read (spec.md §4.9: "bounded by
// PATH_MAX").
const pathMax = unix.PathMax

// Context is the decoded register state for one seccomp-trap stop. Only
// the x86_64 argument-register convention named in spec.md §4.9 (RDI RSI
// RDX R10 R8 R9, return in RAX) is implemented; this observer targets
// x86_64 Linux tracees.
type Context struct {
	Pid  int
	regs syscall.PtraceRegs
}

func newContext(pid int) (*Context, error) {
	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(pid, &regs); err != nil {
		return nil, fmt.Errorf("ptracer: PTRACE_GETREGS pid %d: %w", pid, err)
	}
	return &Context{Pid: pid, regs: regs}, nil
}

// SyscallNo is the syscall number the tracee entered with (ORIG_RAX).
func (c *Context) SyscallNo() uint64 { return c.regs.Orig_rax }

// Arg returns the i'th syscall argument (0-5), per the amd64 syscall ABI.
func (c *Context) Arg(i int) uint64 {
	switch i {
	case 0:
		return c.regs.Rdi
	case 1:
		return c.regs.Rsi
	case 2:
		return c.regs.Rdx
	case 3:
		return c.regs.R10
	case 4:
		return c.regs.R8
	case 5:
		return c.regs.R9
	default:
		return 0
	}
}

// ReturnValue reads RAX, valid only once the syscall has actually run
// (a post-syscall-stop, not a seccomp entry stop).
func (c *Context) ReturnValue() int64 { return int64(c.regs.Rax) }

// SkipSyscall rewrites ORIG_RAX to -1 so the kernel skips the syscall
// entirely, used by handlers that must fully deny an access rather than
// merely report it as denied (spec.md §4.5 notes denial is normally
// advisory only; this primitive exists for callers that opt out of that
// default, which this observer does not currently do on any hot path).
func (c *Context) SkipSyscall(retval int64) error {
	c.regs.Orig_rax = ^uint64(0)
	c.regs.Rax = uint64(retval)
	return syscall.PtraceSetRegs(c.Pid, &c.regs)
}

// ReadCString reads a NUL-terminated string from the tracee's address
// space at addr, preferring process_vm_readv (one syscall per page) and
// falling back to PTRACE_PEEKDATA word-at-a-time reads when readv is
// unavailable (older kernels, permission quirks) — mirrors the teacher's
// vmReadStr/ptraceReadStr pairing in ptracer/context_helper_linux.go.
func (c *Context) ReadCString(addr uint64) (string, error) {
	if addr == 0 {
		return "", nil
	}
	buf := make([]byte, pathMax)
	n, err := vmReadStr(c.Pid, uintptr(addr), buf)
	if err != nil {
		n = peekReadStr(c.Pid, uintptr(addr), buf)
	}
	return string(buf[:n]), nil
}

func vmReadStr(pid int, addr uintptr, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		chunk := pageSize - int(uintptr(addr)+uintptr(total))%pageSize
		if rem := len(buf) - total; chunk > rem {
			chunk = rem
		}
		n, err := processVMReadv(pid, addr+uintptr(total), buf[total:total+chunk])
		if err != nil {
			if total == 0 {
				return 0, err
			}
			break
		}
		if n == 0 {
			break
		}
		if idx := indexNull(buf[total : total+n]); idx >= 0 {
			return total + idx, nil
		}
		total += n
	}
	return total, nil
}

func processVMReadv(pid int, addr uintptr, dst []byte) (int, error) {
	local := []unix.Iovec{{Base: &dst[0], Len: uint64(len(dst))}}
	remote := []unix.Iovec{{Base: (*byte)(unsafe.Pointer(addr)), Len: uint64(len(dst))}}
	n, _, errno := syscall.Syscall6(unix.SYS_PROCESS_VM_READV, uintptr(pid),
		uintptr(unsafe.Pointer(&local[0])), 1,
		uintptr(unsafe.Pointer(&remote[0])), 1, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// peekReadStr reads word-by-word via PTRACE_PEEKDATA, the fallback path
// when process_vm_readv fails.
func peekReadStr(pid int, addr uintptr, buf []byte) int {
	word := make([]byte, 8)
	total := 0
	for total < len(buf) {
		n, err := syscall.PtracePeekData(pid, addr+uintptr(total), word)
		if err != nil || n == 0 {
			break
		}
		if idx := indexNull(word[:n]); idx >= 0 {
			total += copy(buf[total:], word[:idx])
			return total
		}
		total += copy(buf[total:], word[:n])
	}
	return total
}

func indexNull(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

package preload

import (
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/criyle/fileaccess/bootstrap"
	"github.com/criyle/fileaccess/internal/manifest"
	"github.com/criyle/fileaccess/pkg/seccomp"
	"github.com/criyle/fileaccess/pkg/unixsocket"
	"github.com/criyle/fileaccess/ptracer"
	"golang.org/x/sys/unix"
)

// handoffSettle is how long a tracee waits after signaling the daemon
// before replacing its own image, giving PTRACE_SEIZE time to land before
// the exec it's meant to trace actually happens (spec.md §4.9 "Trigger").
const handoffSettle = 2 * time.Second

// routeThroughPtrace runs the tracee side of the C9 handoff: install the
// trace-mode seccomp filter, tell the daemon this pid is about to exec
// execPath, then wait for the seizure to land. The caller still performs
// the real execve itself once this returns.
func routeThroughPtrace(s *bootstrap.State, execPath string) error {
	filter, err := (&seccomp.Builder{TraceSyscalls: ptracer.SeccompSyscallNames}).Build()
	if err != nil {
		return fmt.Errorf("building seccomp filter: %w", err)
	}
	if err := installSeccompFilter(filter); err != nil {
		return fmt.Errorf("installing seccomp filter: %w", err)
	}
	if err := sendStartMessage(s, execPath); err != nil {
		return fmt.Errorf("sending start record: %w", err)
	}
	time.Sleep(handoffSettle)
	return nil
}

// installSeccompFilter installs filter into this process's own seccomp
// state via the raw prctl sequence (PR_SET_NO_NEW_PRIVS then
// PR_SET_SECCOMP).
func installSeccompFilter(filter seccomp.Filter) error {
	if _, _, errno := syscall.Syscall6(syscall.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0, 0); errno != 0 {
		return errno
	}
	prog := filter.SockFprog()
	if _, _, errno := syscall.Syscall6(syscall.SYS_PRCTL, unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER,
		uintptr(unsafe.Pointer(prog)), 0, 0, 0); errno != 0 {
		return errno
	}
	return nil
}

// sendStartMessage dials the daemon's handoff queue and sends the
// pipe-delimited start record spec.md §4.9 describes: "start|pid|ppid|
// exePath|manifestPath", NUL-terminated.
func sendStartMessage(s *bootstrap.State, execPath string) error {
	addr := &net.UnixAddr{Name: s.Manifest.PTraceMQName, Net: "unixpacket"}
	conn, err := net.DialUnix("unixpacket", nil, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	sock := unixsocket.Wrap(conn)
	msg := fmt.Sprintf("start|%d|%d|%s|%s\x00", os.Getpid(), os.Getppid(), execPath, os.Getenv(manifest.EnvManifestPath))
	return sock.SendMsg([]byte(msg), unixsocket.Msg{})
}

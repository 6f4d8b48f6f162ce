package ptracer

import (
	"fmt"
	"os"
	"path"
	"sync"

	unix "golang.org/x/sys/unix"

	"github.com/criyle/fileaccess/internal/access"
	"github.com/criyle/fileaccess/internal/fdtable"
	"github.com/criyle/fileaccess/internal/report"
)

// SeccompSyscallNames is the ~50 filesystem-touching syscalls the seccomp
// trace filter lists (spec.md §1, §4.9's "seccomp filter covering ~50
// syscalls"). DefaultTable has a handler for each of these names except
// fstat, fstatat and statx; a trap on one of those is logged and ignored.
var SeccompSyscallNames = []string{
	"open", "openat", "creat",
	"stat", "lstat", "fstat", "fstatat", "newfstatat", "statx",
	"access", "faccessat", "faccessat2",
	"write", "pwrite64", "writev", "sendfile", "copy_file_range",
	"truncate", "ftruncate",
	"mkdir", "mkdirat", "rmdir",
	"unlink", "unlinkat",
	"rename", "renameat", "renameat2",
	"link", "linkat", "symlink", "symlinkat",
	"mknod", "mknodat",
	"readlink", "readlinkat",
	"chmod", "fchmodat", "chown", "fchownat", "lchown",
	"utime", "utimes", "utimensat", "futimesat",
	"execve", "execveat",
}

func fdPath(pid, fd int) (string, error) {
	if fd == unix.AT_FDCWD {
		return cwdOf(pid)
	}
	return os.Readlink(fmt.Sprintf("/proc/%d/fd/%d", pid, fd))
}

func cwdOf(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
}

// tracerPathExists checks a dir-relative path before the tracee is stepped
// past the syscall that may create or remove it: the tracer shares the
// tracee's filesystem view, so this is the same before-the-fact check the
// interposer does with its own os.Lstat, just read from outside the process
// instead of from within it.
func tracerPathExists(dir, raw string) bool {
	p := raw
	if !path.IsAbs(raw) {
		p = path.Clean(dir + "/" + raw)
	}
	_, err := os.Lstat(p)
	return err == nil
}

// fdTables hands out one fdtable.Table per observed tracee pid, each
// backed by /proc/<pid>/fd lookups: the fast in-memory path is always
// disabled here because the tracer cannot observe the tracee's own
// open/close calls to keep it in sync (spec.md §4.3).
type fdTables struct {
	mu     sync.Mutex
	tables map[int]*fdtable.Table
}

func newFDTables() *fdTables { return &fdTables{tables: make(map[int]*fdtable.Table)} }

func (f *fdTables) get(pid int) *fdtable.Table {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tables[pid]; ok {
		return t
	}
	t := fdtable.New(func(fd int) (string, error) { return fdPath(pid, fd) })
	t.Disabled = true
	f.tables[pid] = t
	return t
}

var tracerFDs = newFDTables()

func readPathArg(ctx *Context, argIndex int) string {
	s, _ := ctx.ReadCString(ctx.Arg(argIndex))
	return s
}

// dirPathFor resolves the starting directory for a dirfd-relative
// syscall: AT_FDCWD reads /proc/<pid>/cwd, any other fd reads
// /proc/<pid>/fd/<dirfd> (spec.md §4.2 step 1, tracer variant).
func dirPathFor(pid int, dirfd uint64) string {
	p, _ := fdPath(pid, int(int32(dirfd)))
	return p
}

// atFDCWDArg is unix.AT_FDCWD reinterpreted as the uint64 arg width used
// throughout this file's syscall argument decoding.
var atFDCWDSigned int64 = unix.AT_FDCWD
var atFDCWDArg = uint64(atFDCWDSigned)

// DefaultTable builds the syscall-number -> handler table for the amd64
// syscalls named in SeccompSyscallNames, mirroring the libc interposer's
// hook-family semantics (spec.md §4.7) but decoding arguments from
// registers instead of from a native call's own stack.
func DefaultTable() Table {
	t := Table{}

	open := func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), atFDCWDArg)
		raw := readPathArg(ctx, 0)
		flags := ctx.Arg(1)
		op := report.OpFileRead
		existed := false
		if flags&uint64(unix.O_CREAT) != 0 || flags&uint64(unix.O_TRUNC) != 0 {
			if flags&(uint64(unix.O_WRONLY)|uint64(unix.O_RDWR)) != 0 {
				op = report.OpCreateFile
				existed = tracerPathExists(dir, raw)
			}
		}
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: op, Path: raw, DirPath: dir, FollowFinal: flags&uint64(unix.O_NOFOLLOW) == 0, PreExisted: existed})
	}
	t[unix.SYS_OPEN] = open
	t[unix.SYS_CREAT] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), atFDCWDArg)
		raw := readPathArg(ctx, 0)
		existed := tracerPathExists(dir, raw)
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpCreateFile, Path: raw, DirPath: dir, FollowFinal: true, PreExisted: existed})
	}
	t[unix.SYS_OPENAT] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), ctx.Arg(0))
		raw := readPathArg(ctx, 1)
		flags := ctx.Arg(2)
		op := report.OpFileRead
		existed := false
		if flags&uint64(unix.O_CREAT) != 0 || flags&uint64(unix.O_TRUNC) != 0 {
			if flags&(uint64(unix.O_WRONLY)|uint64(unix.O_RDWR)) != 0 {
				op = report.OpCreateFile
				existed = tracerPathExists(dir, raw)
			}
		}
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: op, Path: raw, DirPath: dir, FollowFinal: flags&uint64(unix.O_NOFOLLOW) == 0, PreExisted: existed})
	}

	statHandler := func(followFinal bool) Handler {
		return func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
			dir := dirPathFor(int(pid), atFDCWDArg)
			d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpFileStat, Path: readPathArg(ctx, 0), DirPath: dir, FollowFinal: followFinal})
		}
	}
	t[unix.SYS_STAT] = statHandler(true)
	t[unix.SYS_LSTAT] = statHandler(false)
	t[unix.SYS_NEWFSTATAT] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), ctx.Arg(0))
		flags := ctx.Arg(3)
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpFileStat, Path: readPathArg(ctx, 1), DirPath: dir,
			FollowFinal: flags&uint64(unix.AT_SYMLINK_NOFOLLOW) == 0})
	}

	accessHandler := func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), atFDCWDArg)
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpFileProbe, Path: readPathArg(ctx, 0), DirPath: dir, FollowFinal: true})
	}
	t[unix.SYS_ACCESS] = accessHandler
	t[unix.SYS_FACCESSAT] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), ctx.Arg(0))
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpFileProbe, Path: readPathArg(ctx, 1), DirPath: dir, FollowFinal: true})
	}
	t[unix.SYS_FACCESSAT2] = t[unix.SYS_FACCESSAT]

	fdWrite := func(fdArgIndex int) Handler {
		return func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
			fds := tracerFDs.get(int(pid))
			p, ok := fds.Get(int(int32(ctx.Arg(fdArgIndex))))
			if !ok {
				return
			}
			d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpFileWrite, Path: p, AlreadyResolved: true})
		}
	}
	t[unix.SYS_WRITE] = fdWrite(0)
	t[unix.SYS_PWRITE64] = fdWrite(0)
	t[unix.SYS_WRITEV] = fdWrite(0)
	t[unix.SYS_SENDFILE] = fdWrite(0)
	t[unix.SYS_COPY_FILE_RANGE] = fdWrite(1)
	t[unix.SYS_FTRUNCATE] = fdWrite(0)

	t[unix.SYS_TRUNCATE] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), atFDCWDArg)
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpFileWrite, Path: readPathArg(ctx, 0), DirPath: dir, FollowFinal: true})
	}

	// mkdir/mkdirat/rmdir step the tracee through to syscall-exit before
	// reporting: spec.md §4.9's return-value capture list, needed because
	// a failed mkdir (EEXIST) still reaches the seccomp trap but created
	// nothing.
	mkdirHandler := func(pathArg, dirfdArg int, hasDirfd bool) Handler {
		return func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
			dir := dirPathFor(int(pid), atFDCWDArg)
			if hasDirfd {
				dir = dirPathFor(int(pid), ctx.Arg(dirfdArg))
			}
			raw := readPathArg(ctx, pathArg)
			existed := tracerPathExists(dir, raw)
			retval, err := stepToExit(int(pid))
			if err != nil || retval < 0 {
				return
			}
			d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpCreateDirectory, Path: raw, DirPath: dir, FollowFinal: true, PreExisted: existed})
		}
	}
	t[unix.SYS_MKDIR] = mkdirHandler(0, 0, false)
	t[unix.SYS_MKDIRAT] = mkdirHandler(1, 0, true)
	t[unix.SYS_RMDIR] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), atFDCWDArg)
		raw := readPathArg(ctx, 0)
		existed := tracerPathExists(dir, raw)
		retval, err := stepToExit(int(pid))
		if err != nil || retval < 0 {
			return
		}
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpRemoveDirectory, Path: raw, DirPath: dir, FollowFinal: true, PreExisted: existed})
	}

	t[unix.SYS_UNLINK] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), atFDCWDArg)
		raw := readPathArg(ctx, 0)
		existed := tracerPathExists(dir, raw)
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpDeleteFile, Path: raw, DirPath: dir, FollowFinal: false, PreExisted: existed})
	}
	t[unix.SYS_UNLINKAT] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), ctx.Arg(0))
		op := report.OpDeleteFile
		if ctx.Arg(2)&uint64(unix.AT_REMOVEDIR) != 0 {
			op = report.OpRemoveDirectory
		}
		raw := readPathArg(ctx, 1)
		existed := tracerPathExists(dir, raw)
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: op, Path: raw, DirPath: dir, FollowFinal: false, PreExisted: existed})
	}

	t[unix.SYS_RENAME] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), atFDCWDArg)
		d.Rename(pid, rootPID, readPathArg(ctx, 0), readPathArg(ctx, 1), dir)
	}
	t[unix.SYS_RENAMEAT] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		srcDir := dirPathFor(int(pid), ctx.Arg(0))
		dstDir := dirPathFor(int(pid), ctx.Arg(2))
		src := path.Clean(srcDir + "/" + readPathArg(ctx, 1))
		dst := path.Clean(dstDir + "/" + readPathArg(ctx, 3))
		d.Rename(pid, rootPID, src, dst, "")
	}
	t[unix.SYS_RENAMEAT2] = t[unix.SYS_RENAMEAT]

	t[unix.SYS_LINK] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), atFDCWDArg)
		d.Link(pid, rootPID, readPathArg(ctx, 0), readPathArg(ctx, 1), dir)
	}
	t[unix.SYS_LINKAT] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		oldDir := dirPathFor(int(pid), ctx.Arg(0))
		newDir := dirPathFor(int(pid), ctx.Arg(2))
		existing := path.Clean(oldDir + "/" + readPathArg(ctx, 1))
		created := path.Clean(newDir + "/" + readPathArg(ctx, 3))
		d.Link(pid, rootPID, existing, created, "")
	}

	t[unix.SYS_SYMLINK] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), atFDCWDArg)
		raw := readPathArg(ctx, 1)
		existed := tracerPathExists(dir, raw)
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpCreateSymlink, Path: raw, DirPath: dir, FollowFinal: false, PreExisted: existed})
	}
	t[unix.SYS_SYMLINKAT] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), ctx.Arg(1))
		raw := readPathArg(ctx, 2)
		existed := tracerPathExists(dir, raw)
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpCreateSymlink, Path: raw, DirPath: dir, FollowFinal: false, PreExisted: existed})
	}

	t[unix.SYS_MKNOD] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), atFDCWDArg)
		raw := readPathArg(ctx, 0)
		existed := tracerPathExists(dir, raw)
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpMakeNode, Path: raw, DirPath: dir, FollowFinal: false, PreExisted: existed})
	}
	t[unix.SYS_MKNODAT] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), ctx.Arg(0))
		raw := readPathArg(ctx, 1)
		existed := tracerPathExists(dir, raw)
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpMakeNode, Path: raw, DirPath: dir, FollowFinal: false, PreExisted: existed})
	}

	t[unix.SYS_READLINK] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), atFDCWDArg)
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpReadlink, Path: readPathArg(ctx, 0), DirPath: dir, FollowFinal: false})
	}
	t[unix.SYS_READLINKAT] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), ctx.Arg(0))
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpReadlink, Path: readPathArg(ctx, 1), DirPath: dir, FollowFinal: false})
	}

	permHandler := func(op report.Operation, pathArg int) Handler {
		return func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
			dir := dirPathFor(int(pid), atFDCWDArg)
			d.File(access.Event{PID: pid, RootPID: rootPID, Operation: op, Path: readPathArg(ctx, pathArg), DirPath: dir, FollowFinal: true})
		}
	}
	t[unix.SYS_CHMOD] = permHandler(report.OpSetMode, 0)
	t[unix.SYS_CHOWN] = permHandler(report.OpSetOwner, 0)
	t[unix.SYS_LCHOWN] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), atFDCWDArg)
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpSetOwner, Path: readPathArg(ctx, 0), DirPath: dir, FollowFinal: false})
	}
	// fchmodat's tracer-side handler reports the path (dirfd plus the
	// path argument) as a set-mode access; it reads no mode, neither by a
	// path lookup nor through an open fd.
	t[unix.SYS_FCHMODAT] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), ctx.Arg(0))
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpSetMode, Path: readPathArg(ctx, 1), DirPath: dir, FollowFinal: true})
	}
	t[unix.SYS_FCHOWNAT] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), ctx.Arg(0))
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpSetOwner, Path: readPathArg(ctx, 1), DirPath: dir, FollowFinal: true})
	}

	timeHandler := func(pathArg int) Handler {
		return func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
			dir := dirPathFor(int(pid), atFDCWDArg)
			d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpSetTime, Path: readPathArg(ctx, pathArg), DirPath: dir, FollowFinal: true})
		}
	}
	t[unix.SYS_UTIME] = timeHandler(0)
	t[unix.SYS_UTIMES] = timeHandler(0)
	t[unix.SYS_FUTIMESAT] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), ctx.Arg(0))
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpSetTime, Path: readPathArg(ctx, 1), DirPath: dir, FollowFinal: true})
	}
	t[unix.SYS_UTIMENSAT] = func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
		dir := dirPathFor(int(pid), ctx.Arg(0))
		raw := readPathArg(ctx, 1)
		if raw == "" {
			// utimensat with a null path targets the fd itself.
			fds := tracerFDs.get(int(pid))
			if p, ok := fds.Get(int(int32(ctx.Arg(0)))); ok {
				d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpSetTime, Path: p, AlreadyResolved: true})
			}
			return
		}
		d.File(access.Event{PID: pid, RootPID: rootPID, Operation: report.OpSetTime, Path: raw, DirPath: dir, FollowFinal: true})
	}

	execHandler := func(pathArg int) Handler {
		return func(d *access.Dispatcher, ctx *Context, pid, rootPID int32) {
			raw := readPathArg(ctx, pathArg)
			base := path.Base(raw)
			d.Exec(pid, rootPID, base, raw)
		}
	}
	t[unix.SYS_EXECVE] = execHandler(0)
	t[unix.SYS_EXECVEAT] = execHandler(1)

	return t
}

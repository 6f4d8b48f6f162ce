package preload

/*
#include <fcntl.h>
#include <sys/types.h>
*/
import "C"

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/criyle/fileaccess/bootstrap"
	faccess "github.com/criyle/fileaccess/internal/access"
	"github.com/criyle/fileaccess/internal/report"
)

func state() *bootstrap.State {
	s, err := bootstrap.Init()
	if err != nil {
		// A missing/unreadable manifest is a fatal configuration error
		// (spec.md §7); the real libc call must still happen so the
		// traced program doesn't itself appear to have failed, but this
		// process can't report anything sane, so further hooks no-op.
		return nil
	}
	return s
}

func dirPathFor(dirfd C.int) string {
	s := state()
	if s == nil {
		return ""
	}
	if int(dirfd) == -100 { // AT_FDCWD
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
		return ""
	}
	p, ok := s.FDs.Get(int(dirfd))
	if !ok {
		return ""
	}
	return p
}

func cwdPath() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}

// pathExists checks path before a create/delete-type hook runs the real
// syscall — by the time the hook would otherwise check, the syscall has
// already flipped the answer (spec.md §4.5 step 4's creation-vs-
// modification status needs the before picture, not the after one).
func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

//export open
func open(path *C.char, flags C.int, mode C.uint) C.int {
	raw := C.GoString(path)
	op := report.OpFileRead
	if flags&C.O_CREAT != 0 || flags&C.O_TRUNC != 0 {
		if flags&(C.O_WRONLY|C.O_RDWR) != 0 {
			op = report.OpCreateFile
		}
	}
	var existed bool
	if op == report.OpCreateFile {
		existed = pathExists(resolveAbs(raw, cwdPath()))
	}

	fn := realSymbols.get("open")
	ret := C.call_real_open(fn, path, flags, mode)
	if s := state(); s != nil {
		allowed := s.Dispatcher.File(faccess.Event{
			PID: int32(os.Getpid()), RootPID: s.RootPID, Operation: op,
			Path: raw, DirPath: cwdPath(), FollowFinal: flags&C.O_NOFOLLOW == 0,
			PreExisted: existed,
		})
		if allowed && ret >= 0 {
			s.FDs.Set(int(ret), resolveAbs(raw, cwdPath()))
		}
	}
	return ret
}

//export openat
func openat(dirfd C.int, path *C.char, flags C.int, mode C.uint) C.int {
	raw := C.GoString(path)
	dir := dirPathFor(dirfd)
	op := report.OpFileRead
	if flags&C.O_CREAT != 0 || flags&C.O_TRUNC != 0 {
		if flags&(C.O_WRONLY|C.O_RDWR) != 0 {
			op = report.OpCreateFile
		}
	}
	var existed bool
	if op == report.OpCreateFile {
		existed = pathExists(resolveAbs(raw, dir))
	}

	fn := realSymbols.get("openat")
	ret := C.call_real_openat(fn, dirfd, path, flags, mode)
	if s := state(); s != nil {
		allowed := s.Dispatcher.File(faccess.Event{
			PID: int32(os.Getpid()), RootPID: s.RootPID, Operation: op,
			Path: raw, DirPath: dir, FollowFinal: flags&C.O_NOFOLLOW == 0,
			PreExisted: existed,
		})
		if allowed && ret >= 0 {
			s.FDs.Set(int(ret), resolveAbs(raw, dir))
		}
	}
	return ret
}

//export creat
func creat(path *C.char, mode C.uint) C.int {
	raw := C.GoString(path)
	existed := pathExists(resolveAbs(raw, cwdPath()))

	fn := realSymbols.get("creat")
	ret := C.call_real_creat(fn, path, mode)
	if s := state(); s != nil {
		allowed := s.Dispatcher.File(faccess.Event{
			PID: int32(os.Getpid()), RootPID: s.RootPID, Operation: report.OpCreateFile,
			Path: raw, DirPath: cwdPath(), FollowFinal: true, PreExisted: existed,
		})
		if allowed && ret >= 0 {
			s.FDs.Set(int(ret), resolveAbs(raw, cwdPath()))
		}
	}
	return ret
}

//export stat
func stat(path *C.char) C.int {
	fn := realSymbols.get("stat")
	ret := C.call_real_path1(fn, path)
	if s := state(); s != nil {
		s.Dispatcher.File(faccess.Event{PID: int32(os.Getpid()), RootPID: s.RootPID, Operation: report.OpFileStat,
			Path: C.GoString(path), DirPath: cwdPath(), FollowFinal: true})
	}
	return ret
}

//export lstat
func lstat(path *C.char) C.int {
	fn := realSymbols.get("lstat")
	ret := C.call_real_path1(fn, path)
	if s := state(); s != nil {
		s.Dispatcher.File(faccess.Event{PID: int32(os.Getpid()), RootPID: s.RootPID, Operation: report.OpFileStat,
			Path: C.GoString(path), DirPath: cwdPath(), FollowFinal: false})
	}
	return ret
}

//export access
func access(path *C.char, mode C.int) C.int {
	fn := realSymbols.get("access")
	ret := C.call_real_path1(fn, path)
	if s := state(); s != nil {
		s.Dispatcher.File(faccess.Event{PID: int32(os.Getpid()), RootPID: s.RootPID, Operation: report.OpFileProbe,
			Path: C.GoString(path), DirPath: cwdPath(), FollowFinal: true})
	}
	return ret
}

//export faccessat
func faccessat(dirfd C.int, path *C.char, mode, flags C.int) C.int {
	fn := realSymbols.get("faccessat")
	ret := C.call_real_faccessat(fn, dirfd, path, mode, flags)
	if s := state(); s != nil {
		s.Dispatcher.File(faccess.Event{PID: int32(os.Getpid()), RootPID: s.RootPID, Operation: report.OpFileProbe,
			Path: C.GoString(path), DirPath: dirPathFor(dirfd), FollowFinal: true})
	}
	return ret
}

//export mkdir
func mkdir(path *C.char, mode C.uint) C.int {
	raw := C.GoString(path)
	existed := pathExists(resolveAbs(raw, cwdPath()))

	fn := realSymbols.get("mkdir")
	ret := C.call_real_mkdir(fn, path, mode)
	if s := state(); s != nil && ret == 0 {
		s.Dispatcher.File(faccess.Event{PID: int32(os.Getpid()), RootPID: s.RootPID, Operation: report.OpCreateDirectory,
			Path: raw, DirPath: cwdPath(), FollowFinal: true, PreExisted: existed})
	}
	return ret
}

//export mkdirat
func mkdirat(dirfd C.int, path *C.char, mode C.uint) C.int {
	raw := C.GoString(path)
	dir := dirPathFor(dirfd)
	existed := pathExists(resolveAbs(raw, dir))

	fn := realSymbols.get("mkdirat")
	ret := C.call_real_mkdirat(fn, dirfd, path, mode)
	if s := state(); s != nil && ret == 0 {
		s.Dispatcher.File(faccess.Event{PID: int32(os.Getpid()), RootPID: s.RootPID, Operation: report.OpCreateDirectory,
			Path: raw, DirPath: dir, FollowFinal: true, PreExisted: existed})
	}
	return ret
}

//export rmdir
func rmdir(path *C.char) C.int {
	raw := C.GoString(path)
	existed := pathExists(resolveAbs(raw, cwdPath()))

	fn := realSymbols.get("rmdir")
	ret := C.call_real_path1(fn, path)
	if s := state(); s != nil && ret == 0 {
		s.Dispatcher.File(faccess.Event{PID: int32(os.Getpid()), RootPID: s.RootPID, Operation: report.OpRemoveDirectory,
			Path: raw, DirPath: cwdPath(), FollowFinal: true, PreExisted: existed})
	}
	return ret
}

//export unlink
func unlink(path *C.char) C.int {
	raw := C.GoString(path)
	existed := pathExists(resolveAbs(raw, cwdPath()))

	fn := realSymbols.get("unlink")
	ret := C.call_real_path1(fn, path)
	if s := state(); s != nil {
		s.Dispatcher.File(faccess.Event{PID: int32(os.Getpid()), RootPID: s.RootPID, Operation: report.OpDeleteFile,
			Path: raw, DirPath: cwdPath(), FollowFinal: false, PreExisted: existed})
	}
	return ret
}

//export unlinkat
func unlinkat(dirfd C.int, path *C.char, flags C.int) C.int {
	raw := C.GoString(path)
	dir := dirPathFor(dirfd)
	existed := pathExists(resolveAbs(raw, dir))

	fn := realSymbols.get("unlinkat")
	ret := C.call_real_atpath1(fn, dirfd, path, flags)
	if s := state(); s != nil {
		op := report.OpDeleteFile
		if flags&0x200 != 0 { // AT_REMOVEDIR
			op = report.OpRemoveDirectory
		}
		s.Dispatcher.File(faccess.Event{PID: int32(os.Getpid()), RootPID: s.RootPID, Operation: op,
			Path: raw, DirPath: dir, FollowFinal: false, PreExisted: existed})
	}
	return ret
}

//export rename
func rename(oldpath, newpath *C.char) C.int {
	fn := realSymbols.get("rename")
	ret := C.call_real_path2(fn, oldpath, newpath)
	if s := state(); s != nil {
		s.Dispatcher.Rename(int32(os.Getpid()), s.RootPID, C.GoString(oldpath), C.GoString(newpath), cwdPath())
	}
	return ret
}

//export link
func link(oldpath, newpath *C.char) C.int {
	fn := realSymbols.get("link")
	ret := C.call_real_path2(fn, oldpath, newpath)
	if s := state(); s != nil {
		s.Dispatcher.Link(int32(os.Getpid()), s.RootPID, C.GoString(oldpath), C.GoString(newpath), cwdPath())
	}
	return ret
}

//export symlink
func symlink(target, linkpath *C.char) C.int {
	raw := C.GoString(linkpath)
	existed := pathExists(resolveAbs(raw, cwdPath()))

	fn := realSymbols.get("symlink")
	ret := C.call_real_path2(fn, target, linkpath)
	if s := state(); s != nil {
		s.Dispatcher.File(faccess.Event{PID: int32(os.Getpid()), RootPID: s.RootPID, Operation: report.OpCreateSymlink,
			Path: raw, DirPath: cwdPath(), FollowFinal: false, PreExisted: existed})
	}
	return ret
}

//export readlink
func readlink(path *C.char, buf *C.char, bufsiz C.size_t) C.long {
	fn := realSymbols.get("readlink")
	ret := C.call_real_readlink(fn, path, buf, bufsiz)
	if s := state(); s != nil {
		s.Dispatcher.File(faccess.Event{PID: int32(os.Getpid()), RootPID: s.RootPID, Operation: report.OpReadlink,
			Path: C.GoString(path), DirPath: cwdPath(), FollowFinal: false})
	}
	return ret
}

//export chmod
func chmod(path *C.char, mode C.uint) C.int {
	fn := realSymbols.get("chmod")
	ret := C.call_real_chmod(fn, path, mode)
	if s := state(); s != nil {
		s.Dispatcher.File(faccess.Event{PID: int32(os.Getpid()), RootPID: s.RootPID, Operation: report.OpSetMode,
			Path: C.GoString(path), DirPath: cwdPath(), FollowFinal: true})
	}
	return ret
}

//export chown
func chown(path *C.char, uid, gid C.uint) C.int {
	fn := realSymbols.get("chown")
	ret := C.call_real_chown(fn, path, uid, gid)
	if s := state(); s != nil {
		s.Dispatcher.File(faccess.Event{PID: int32(os.Getpid()), RootPID: s.RootPID, Operation: report.OpSetOwner,
			Path: C.GoString(path), DirPath: cwdPath(), FollowFinal: true})
	}
	return ret
}

//export close
func close(fd C.int) C.int {
	fn := realSymbols.get("close")
	ret := C.call_real_close(fn, fd)
	if s := state(); s != nil {
		s.FDs.Invalidate(int(fd))
	}
	return ret
}

//export dup
func dup(fd C.int) C.int {
	fn := realSymbols.get("dup")
	ret := C.call_real_dup(fn, fd)
	if s := state(); s != nil && ret >= 0 {
		if p, ok := s.FDs.Get(int(fd)); ok {
			s.FDs.Set(int(ret), p)
		}
	}
	return ret
}

//export dup2
func dup2(oldfd, newfd C.int) C.int {
	fn := realSymbols.get("dup2")
	ret := C.call_real_dup2(fn, oldfd, newfd)
	if s := state(); s != nil && ret >= 0 {
		if p, ok := s.FDs.Get(int(oldfd)); ok {
			s.FDs.Set(int(ret), p)
		} else {
			s.FDs.Invalidate(int(ret))
		}
	}
	return ret
}

//export execve
func execve(path *C.char, argv, envp **C.char) C.int {
	s := state()
	var newEnvp **C.char
	var rewritten []*C.char
	if s != nil {
		raw := C.GoString(path)
		resolved := resolveAbs(raw, cwdPath())
		s.Dispatcher.Exec(int32(os.Getpid()), s.RootPID, baseName(raw), resolved)

		if routed, err := s.ShouldRoutePtrace(resolved); err == nil && routed {
			s.Dispatcher.StaticallyLinkedProcess(int32(os.Getpid()), s.RootPID, resolved)
			if err := routeThroughPtrace(s, resolved); err != nil {
				s.Dispatcher.Debug(int32(os.Getpid()), s.RootPID, "preload: ptrace handoff failed: "+err.Error())
			}
		}

		env := cStringArray(envp)
		out := s.ExecEnv(env)
		rewritten = make([]*C.char, len(out)+1)
		for i, kv := range out {
			rewritten[i] = C.CString(kv)
		}
		rewritten[len(out)] = nil
		newEnvp = (**C.char)(unsafe.Pointer(&rewritten[0]))
	} else {
		newEnvp = envp
	}

	fn := realSymbols.get("execve")
	ret := C.call_real_execve(fn, path, argv, newEnvp)

	for _, p := range rewritten {
		if p != nil {
			C.free(unsafe.Pointer(p))
		}
	}
	return ret
}

//export fork
func fork() C.pid_t {
	fn := realSymbols.get("fork")
	ret := C.call_real_fork(fn)
	if ret > 0 {
		// Parent's thread: report the child before anything the child does
		// can race this report onto the wire (spec.md §5 ordering).
		if s := state(); s != nil {
			s.Dispatcher.Fork(int32(ret), s.RootPID)
		}
	}
	return ret
}

//export vfork
func vfork() C.pid_t {
	// vfork shares fork's pid_t(void) shape. The parent is suspended until
	// the child execs or exits, so there's no racing child thread here,
	// but the report still has to go out on this, the parent's, return.
	fn := realSymbols.get("vfork")
	ret := C.call_real_fork(fn)
	if ret > 0 {
		if s := state(); s != nil {
			s.Dispatcher.Fork(int32(ret), s.RootPID)
		}
	}
	return ret
}

//export exit
func exit(code C.int) {
	if s := state(); s != nil {
		s.Dispatcher.Exit(int32(os.Getpid()), s.RootPID, int32(code))
		s.Shutdown()
	}
	fn := realSymbols.get("exit")
	C.call_real_exit(fn, code)
}

//export _exit
func _exit(code C.int) {
	if s := state(); s != nil {
		s.Dispatcher.Exit(int32(os.Getpid()), s.RootPID, int32(code))
		s.Shutdown()
	}
	fn := realSymbols.get("_exit")
	C.call_real_exit(fn, code)
}

func cStringArray(arr **C.char) []string {
	var out []string
	if arr == nil {
		return out
	}
	for i := 0; ; i++ {
		p := *(**C.char)(unsafe.Pointer(uintptr(unsafe.Pointer(arr)) + uintptr(i)*unsafe.Sizeof(arr)))
		if p == nil {
			break
		}
		out = append(out, C.GoString(p))
	}
	return out
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func resolveAbs(raw, dir string) string {
	if len(raw) > 0 && raw[0] == '/' {
		return raw
	}
	if dir == "" {
		return raw
	}
	return fmt.Sprintf("%s/%s", dir, raw)
}

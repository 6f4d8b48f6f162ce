// Package preload builds the C7 in-process interposer: a cgo
// -buildmode=c-shared library meant to be named by LD_PRELOAD, exporting
// one C-ABI function per hooked libc entry point. Each hook resolves and
// calls the real libc symbol via dlsym(RTLD_NEXT, ...) (cached per-symbol
// so the lookup only happens once) and reports the access through the
// same dispatch module the ptrace tracer uses, before returning the real
// call's result to the caller unchanged (spec.md §4.7, §9 "re-use a
// single policy+serializer module").
package preload

/*
#define _GNU_SOURCE
#include <dlfcn.h>
#include <stdlib.h>
#include <sys/types.h>

static void *resolve_real(const char *name) {
	return dlsym(RTLD_NEXT, name);
}

typedef int (*open_fn)(const char *, int, unsigned);
static int call_real_open(void *fn, const char *path, int flags, unsigned mode) {
	return ((open_fn)fn)(path, flags, mode);
}

typedef int (*openat_fn)(int, const char *, int, unsigned);
static int call_real_openat(void *fn, int dirfd, const char *path, int flags, unsigned mode) {
	return ((openat_fn)fn)(dirfd, path, flags, mode);
}

typedef int (*creat_fn)(const char *, unsigned);
static int call_real_creat(void *fn, const char *path, unsigned mode) {
	return ((creat_fn)fn)(path, mode);
}

typedef int (*path1_fn)(const char *);
static int call_real_path1(void *fn, const char *path) {
	return ((path1_fn)fn)(path);
}

typedef int (*path2_fn)(const char *, const char *);
static int call_real_path2(void *fn, const char *a, const char *b) {
	return ((path2_fn)fn)(a, b);
}

typedef int (*atpath1_fn)(int, const char *, int);
static int call_real_atpath1(void *fn, int dirfd, const char *path, int flags) {
	return ((atpath1_fn)fn)(dirfd, path, flags);
}

typedef int (*faccessat_fn)(int, const char *, int, int);
static int call_real_faccessat(void *fn, int dirfd, const char *path, int mode, int flags) {
	return ((faccessat_fn)fn)(dirfd, path, mode, flags);
}

typedef int (*atpath2_fn)(int, const char *, int, const char *, int);
static int call_real_atpath2(void *fn, int olddirfd, const char *oldpath, int newdirfd, const char *newpath, int flags) {
	return ((atpath2_fn)fn)(olddirfd, oldpath, newdirfd, newpath, flags);
}

typedef int (*mkdir_fn)(const char *, unsigned);
static int call_real_mkdir(void *fn, const char *path, unsigned mode) {
	return ((mkdir_fn)fn)(path, mode);
}

typedef int (*mkdirat_fn)(int, const char *, unsigned);
static int call_real_mkdirat(void *fn, int dirfd, const char *path, unsigned mode) {
	return ((mkdirat_fn)fn)(dirfd, path, mode);
}

typedef int (*chmod_fn)(const char *, unsigned);
static int call_real_chmod(void *fn, const char *path, unsigned mode) {
	return ((chmod_fn)fn)(path, mode);
}

typedef int (*chown_fn)(const char *, unsigned, unsigned);
static int call_real_chown(void *fn, const char *path, unsigned uid, unsigned gid) {
	return ((chown_fn)fn)(path, uid, gid);
}

typedef ssize_t (*readlink_fn)(const char *, char *, size_t);
static long call_real_readlink(void *fn, const char *path, char *buf, size_t n) {
	return ((readlink_fn)fn)(path, buf, n);
}

typedef int (*close_fn)(int);
static int call_real_close(void *fn, int fd) {
	return ((close_fn)fn)(fd);
}

typedef int (*dup_fn)(int);
static int call_real_dup(void *fn, int fd) {
	return ((dup_fn)fn)(fd);
}

typedef int (*dup2_fn)(int, int);
static int call_real_dup2(void *fn, int oldfd, int newfd) {
	return ((dup2_fn)fn)(oldfd, newfd);
}

typedef int (*execve_fn)(const char *, char *const[], char *const[]);
static int call_real_execve(void *fn, const char *path, char *const argv[], char *const envp[]) {
	return ((execve_fn)fn)(path, argv, envp);
}

typedef pid_t (*fork_fn)(void);
static pid_t call_real_fork(void *fn) {
	return ((fork_fn)fn)();
}

typedef void (*exit_fn)(int);
static void call_real_exit(void *fn, int code) {
	((exit_fn)fn)(code);
}
*/
import "C"

import (
	"sync"
	"unsafe"
)

// resolver caches dlsym(RTLD_NEXT, name) lookups: each real libc symbol is
// resolved at most once, the first time its hook fires (spec.md §4.7
// "resolved lazily, cached per-symbol").
type resolver struct {
	mu    sync.Mutex
	cache map[string]unsafe.Pointer
}

var realSymbols = &resolver{cache: make(map[string]unsafe.Pointer)}

func (r *resolver) get(name string) unsafe.Pointer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[name]; ok {
		return p
	}
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	p := C.resolve_real(cName)
	r.cache[name] = p
	return p
}

package seccomp

import "testing"

func TestBuildProducesNonEmptyProgram(t *testing.T) {
	b := &Builder{TraceSyscalls: []string{"open", "openat", "execve", "unlink"}}
	filter, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(filter) == 0 {
		t.Fatal("Build returned an empty program")
	}
	prog := filter.SockFprog()
	if prog.Len != uint16(len(filter)) {
		t.Fatalf("SockFprog.Len = %d, want %d", prog.Len, len(filter))
	}
	if prog.Filter == nil {
		t.Fatal("SockFprog.Filter is nil")
	}
}

func TestBuildRejectsUnknownSyscall(t *testing.T) {
	b := &Builder{TraceSyscalls: []string{"definitely_not_a_real_syscall"}}
	if _, err := b.Build(); err == nil {
		t.Fatal("Build did not reject an unknown syscall name")
	}
}

// Package seccomp builds the trace-only BPF program the ptrace tracer
// (C9) installs on a statically-linked tracee before letting it run:
// everything outside the ~50 filesystem-touching syscalls named in
// spec.md §4.9 runs at native speed, while those syscalls trap into
// PTRACE_EVENT_SECCOMP for the tracer's own syscall table to decode.
package seccomp

import (
	"fmt"

	seccompbpf "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// Filter is an assembled BPF program in the kernel's raw instruction
// form, ready for PTRACE_SETOPTIONS (via PTRACE_O_TRACESECCOMP, already
// set at seize time) and SECCOMP_SET_MODE_FILTER.
type Filter []unix.SockFilter

// SockFprog converts f into the sock_fprog the seccomp(2) and
// prctl(PR_SET_SECCOMP) calls expect.
func (f Filter) SockFprog() *unix.SockFprog {
	if len(f) == 0 {
		return &unix.SockFprog{}
	}
	return &unix.SockFprog{
		Len:    uint16(len(f)),
		Filter: &f[0],
	}
}

// Builder assembles a trace-default-allow policy: every syscall named in
// TraceSyscalls traps, everything else runs unimpeded.
type Builder struct {
	TraceSyscalls []string
}

// Build compiles the policy into a loadable Filter.
func (b *Builder) Build() (Filter, error) {
	policy := seccompbpf.Policy{
		DefaultAction: seccompbpf.ActionAllow,
		Syscalls: []seccompbpf.SyscallGroup{
			{
				Action: seccompbpf.ActionTrace,
				Names:  b.TraceSyscalls,
			},
		},
	}

	insns, err := policy.Assemble()
	if err != nil {
		return nil, fmt.Errorf("seccomp: assembling policy: %w", err)
	}
	raw, err := bpf.Assemble(insns)
	if err != nil {
		return nil, fmt.Errorf("seccomp: assembling BPF program: %w", err)
	}

	filter := make(Filter, len(raw))
	for i, r := range raw {
		filter[i] = unix.SockFilter{Code: r.Op, Jt: r.Jt, Jf: r.Jf, K: r.K}
	}
	return filter, nil
}

// Command fam-probe loads (or synthesizes) an access manifest and runs
// one pip under the observer outside of a real build engine, printing
// every access report as it arrives — useful for manually exercising the
// interposer or ptrace tracer against an arbitrary binary.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/criyle/fileaccess/bootstrap"
	"github.com/criyle/fileaccess/internal/manifest"
	"github.com/criyle/fileaccess/internal/report"
	"golang.org/x/sys/unix"
)

type scopeFlag struct {
	prefixes []string
	write    bool
}

func (f *scopeFlag) String() string { return strings.Join(f.prefixes, ",") }
func (f *scopeFlag) Set(v string) error {
	f.prefixes = append(f.prefixes, v)
	return nil
}

func main() {
	var (
		roScopes, rwScopes  scopeFlag
		preloadPath         string
		monitorChildren     bool
		ptraceUnconditional bool
		manifestPath        string
	)
	flag.Var(&roScopes, "ro", "directory allowed read+probe access (repeatable)")
	flag.Var(&rwScopes, "rw", "directory allowed read+write+probe access (repeatable)")
	flag.StringVar(&preloadPath, "preload", defaultPreloadPath(), "path to the preload interposer shared library")
	flag.BoolVar(&monitorChildren, "monitor-children", true, "propagate the manifest to exec'd children")
	flag.BoolVar(&ptraceUnconditional, "ptrace-unconditional", false, "route every child through the ptrace fallback")
	flag.StringVar(&manifestPath, "manifest", "", "use an existing manifest file instead of synthesizing one from -ro/-rw")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] -- <command> [args...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	reportPath, reportRead, err := openReportFIFO()
	if err != nil {
		logger.Error("fam-probe: creating report fifo failed", "error", err)
		os.Exit(1)
	}
	defer os.Remove(reportPath)
	defer reportRead.Close()

	var mpath string
	if manifestPath != "" {
		mpath = manifestPath
	} else {
		var flags manifest.Flags
		if monitorChildren {
			flags |= manifest.FlagMonitorChildren
		}
		if ptraceUnconditional {
			flags |= manifest.FlagPtraceEnabled | manifest.FlagPtraceUnconditional
		}
		m := manifest.New(1, int32(os.Getpid()), reportPath, preloadPath, flags)
		for _, p := range roScopes.prefixes {
			m.AddScope(p, manifest.ScopePolicy{AllowRead: true, AllowProbe: true})
		}
		for _, p := range rwScopes.prefixes {
			m.AddScope(p, manifest.ScopePolicy{AllowRead: true, AllowWrite: true, AllowProbe: true, IsWriteableMount: true})
		}
		f, err := os.CreateTemp("", "fam-manifest-*.cbor")
		if err != nil {
			logger.Error("fam-probe: creating manifest file failed", "error", err)
			os.Exit(1)
		}
		raw, err := manifest.Encode(m)
		if err != nil {
			logger.Error("fam-probe: encoding manifest failed", "error", err)
			os.Exit(1)
		}
		if _, err := f.Write(raw); err != nil {
			logger.Error("fam-probe: writing manifest failed", "error", err)
			os.Exit(1)
		}
		f.Close()
		mpath = f.Name()
		defer os.Remove(mpath)
	}

	done := make(chan struct{})
	go printReports(reportRead, done)

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.Env = append(os.Environ(),
		manifest.EnvManifestPath+"="+mpath,
		bootstrap.EnvRootPID+"=1",
		bootstrap.EnvPreloadPath+"="+preloadPath,
		mergeEnvLDPreload(preloadPath),
	)

	runErr := cmd.Run()
	reportRead.Close()
	<-done

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		logger.Error("fam-probe: running command failed", "error", runErr)
		os.Exit(1)
	}
}

func defaultPreloadPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "libfam.so"
	}
	return filepath.Join(filepath.Dir(exe), "libfam.so")
}

func mergeEnvLDPreload(preloadPath string) string {
	if existing := os.Getenv("LD_PRELOAD"); existing != "" {
		return "LD_PRELOAD=" + existing + ":" + preloadPath
	}
	return "LD_PRELOAD=" + preloadPath
}

// openReportFIFO creates a named pipe and opens its read end before
// anything can open the write end, same ordering constraint as the
// bootstrap layer's own report pipe open.
func openReportFIFO() (path string, read *os.File, err error) {
	dir, err := os.MkdirTemp("", "fam-probe-*")
	if err != nil {
		return "", nil, err
	}
	path = filepath.Join(dir, "report.fifo")
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return "", nil, fmt.Errorf("mkfifo: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return "", nil, err
	}
	if err := unix.SetNonblock(int(f.Fd()), false); err != nil {
		return "", nil, err
	}
	return path, f, nil
}

func printReports(r *os.File, done chan<- struct{}) {
	defer close(done)
	for {
		a, err := report.Decode(r)
		if err != nil {
			return
		}
		fmt.Printf("%-28s pid=%-8d allowed=%-5v path=%s\n", a.Operation, a.PID, a.Allowed, a.Path)
	}
}

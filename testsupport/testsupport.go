// Package testsupport implements C12: throwaway manifest construction, a
// FIFO report pipe, and frame decoding, for the property tests exercising
// the interposer and ptrace tracer end to end without a real build engine.
package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/criyle/fileaccess/internal/manifest"
	"github.com/criyle/fileaccess/internal/report"
	"golang.org/x/sys/unix"
)

// Manifest builds a throwaway manifest file under t.TempDir(), with
// reportPipePath and preloadLibraryPath already filled in, and returns
// both the parsed in-memory manifest and the path it was written to.
// Callers add scopes via m.AddScope before a test exercises it; the
// manifest is re-loaded from disk the same way a real pip would.
func Manifest(t testing.TB, reportPipePath, preloadLibraryPath string, flags manifest.Flags) (*manifest.Manifest, string) {
	t.Helper()
	m := manifest.New(1, int32(os.Getpid()), reportPipePath, preloadLibraryPath, flags)
	path := filepath.Join(t.TempDir(), "manifest.cbor")
	WriteManifest(t, m, path)
	return m, path
}

// WriteManifest encodes m and writes it to path, failing the test on
// error. Exposed separately so a test can mutate m (add scopes, forced
// ptrace names) after Manifest and before actually handing the path to a
// child process.
func WriteManifest(t testing.TB, m *manifest.Manifest, path string) {
	t.Helper()
	raw, err := manifest.Encode(m)
	if err != nil {
		t.Fatalf("testsupport: encoding manifest: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("testsupport: writing manifest to %s: %v", path, err)
	}
}

// ReportFIFO creates a named pipe under t.TempDir() and returns its path
// plus a cleanup-registered read end, already open. A report pipe must
// have its read end open before any writer opens it for writing
// (O_WRONLY on a FIFO blocks until a reader exists), so tests open the
// read end here before spawning whatever writes to it.
func ReportFIFO(t testing.TB) (path string, read *os.File) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "report.fifo")
	if err := unix.Mkfifo(path, 0o600); err != nil {
		t.Fatalf("testsupport: mkfifo %s: %v", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("testsupport: opening fifo read end: %v", err)
	}
	// Clear O_NONBLOCK once a reader exists so later blocking reads in
	// CollectReports behave normally; only the open itself needed it, to
	// avoid blocking before any writer has attached.
	if err := unix.SetNonblock(int(f.Fd()), false); err != nil {
		t.Fatalf("testsupport: clearing O_NONBLOCK: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return path, f
}

// CollectReports decodes frames off r until EOF or a decode error,
// returning everything it read. Meant to run in its own goroutine
// against a *os.File returned by ReportFIFO, with the result read back
// over the returned channel once the writer side has finished and
// closed its end.
func CollectReports(r *os.File) <-chan []report.Access {
	out := make(chan []report.Access, 1)
	go func() {
		var got []report.Access
		for {
			a, err := report.Decode(r)
			if err != nil {
				break
			}
			got = append(got, a)
		}
		out <- got
	}()
	return out
}

// FindOperation returns the first access in accesses matching op and
// path, for assertions that only care about one event in a longer trace.
func FindOperation(accesses []report.Access, op report.Operation, path string) (report.Access, bool) {
	for _, a := range accesses {
		if a.Operation == op && a.Path == path {
			return a, true
		}
	}
	return report.Access{}, false
}

// RequireFound fails the test unless accesses contains op against path.
func RequireFound(t testing.TB, accesses []report.Access, op report.Operation, path string) report.Access {
	t.Helper()
	a, ok := FindOperation(accesses, op, path)
	if !ok {
		t.Fatalf("testsupport: no %v access for %q among %d reports", op, path, len(accesses))
	}
	return a
}

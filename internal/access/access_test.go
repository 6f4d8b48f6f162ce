package access

import (
	"bytes"
	"testing"

	"github.com/criyle/fileaccess/internal/fdtable"
	"github.com/criyle/fileaccess/internal/manifest"
	"github.com/criyle/fileaccess/internal/report"
)

func newTestDispatcher(buf *bytes.Buffer) *Dispatcher {
	m := manifest.New(1, 100, "/tmp/pipe", "/opt/fam.so", 0)
	m.AddScope("/", manifest.ScopePolicy{AllowRead: true})
	m.AddScope("/out", manifest.ScopePolicy{AllowRead: true, AllowWrite: true, IsWriteableMount: true})
	return New(m, fdtable.New(nil), buf, nil, FS{})
}

// newTestDispatcherFS is newTestDispatcher with a caller-supplied FS probe,
// for tests exercising FirstAllowWriteCheck's existence status or Rename's
// child enumeration.
func newTestDispatcherFS(buf *bytes.Buffer, fs FS) *Dispatcher {
	m := manifest.New(1, 100, "/tmp/pipe", "/opt/fam.so", 0)
	m.AddScope("/", manifest.ScopePolicy{AllowRead: true})
	m.AddScope("/out", manifest.ScopePolicy{AllowRead: true, AllowWrite: true, IsWriteableMount: true})
	return New(m, fdtable.New(nil), buf, nil, fs)
}

func decodeAll(t *testing.T, buf *bytes.Buffer) []report.Access {
	t.Helper()
	var out []report.Access
	for buf.Len() > 0 {
		a, err := report.Decode(buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		out = append(out, a)
	}
	return out
}

func TestFileAllowedWriteReported(t *testing.T) {
	var buf bytes.Buffer
	d := newTestDispatcher(&buf)
	allowed := d.File(Event{PID: 5, RootPID: 100, Operation: report.OpFileWrite, Path: "/out/a.txt", AlreadyResolved: true})
	if !allowed {
		t.Fatal("write under /out should be allowed")
	}
	records := decodeAll(t, &buf)
	var sawWrite, sawFirstCheck bool
	for _, r := range records {
		if r.Operation == report.OpFileWrite {
			sawWrite = true
		}
		if r.Operation == report.OpFirstAllowWriteCheck {
			sawFirstCheck = true
		}
	}
	if !sawWrite || !sawFirstCheck {
		t.Fatalf("records = %+v, want a FileWrite and a FirstAllowWriteCheck", records)
	}
}

func TestFileCacheSuppressesRepeat(t *testing.T) {
	var buf bytes.Buffer
	d := newTestDispatcher(&buf)
	d.File(Event{PID: 5, RootPID: 100, Operation: report.OpFileStat, Path: "/out/a.txt", AlreadyResolved: true})
	firstCount := len(decodeAll(t, &buf))
	d.File(Event{PID: 5, RootPID: 100, Operation: report.OpFileStat, Path: "/out/a.txt", AlreadyResolved: true})
	secondCount := len(decodeAll(t, &buf))
	if firstCount == 0 {
		t.Fatal("first stat should be reported")
	}
	if secondCount != 0 {
		t.Fatalf("repeat stat should be suppressed by the cache, got %d records", secondCount)
	}
}

func TestExecEmitsBasenameThenResolved(t *testing.T) {
	var buf bytes.Buffer
	d := newTestDispatcher(&buf)
	d.Exec(5, 100, "prog", "/usr/bin/prog")
	records := decodeAll(t, &buf)
	if len(records) != 2 || records[0].Path != "prog" || records[1].Path != "/usr/bin/prog" {
		t.Fatalf("Exec records = %+v, want [prog, /usr/bin/prog] in order", records)
	}
}

func TestRenameEmitsSourceThenDest(t *testing.T) {
	var buf bytes.Buffer
	d := newTestDispatcher(&buf)
	d.Rename(5, 100, "/out/old.txt", "/out/new.txt", "")
	records := decodeAll(t, &buf)
	if len(records) != 2 || records[0].Operation != report.OpRenameSource || records[1].Operation != report.OpRenameDest {
		t.Fatalf("Rename records = %+v", records)
	}
}

func TestRenameEnumeratesDirectoryChildren(t *testing.T) {
	var buf bytes.Buffer
	children := map[string][]string{"/out/old": {"a", "b"}}
	d := newTestDispatcherFS(&buf, FS{
		Children: func(path string) ([]string, bool) {
			c, ok := children[path]
			return c, ok
		},
	})
	d.Rename(5, 100, "/out/old", "/out/new", "")
	records := decodeAll(t, &buf)
	if len(records) != 6 {
		t.Fatalf("Rename of a directory should emit the parent pair plus a pair per child, got %d records: %+v", len(records), records)
	}
	if records[0].Operation != report.OpRenameSource || records[1].Operation != report.OpRenameDest {
		t.Fatalf("first two records should be the parent rename pair, got %+v", records[:2])
	}
	wantChildPaths := []struct {
		op   report.Operation
		path string
	}{
		{report.OpDeleteFile, "/out/old/a"},
		{report.OpCreateFile, "/out/new/a"},
		{report.OpDeleteFile, "/out/old/b"},
		{report.OpCreateFile, "/out/new/b"},
	}
	for i, want := range wantChildPaths {
		r := records[i+2]
		if r.Operation != want.op || r.Path != want.path {
			t.Fatalf("child record %d = %+v, want op=%v path=%s", i, r, want.op, want.path)
		}
	}
}

func TestRenameOfNonDirectorySkipsChildEnumeration(t *testing.T) {
	var buf bytes.Buffer
	d := newTestDispatcherFS(&buf, FS{
		Children: func(path string) ([]string, bool) { return nil, false },
	})
	d.Rename(5, 100, "/out/old.txt", "/out/new.txt", "")
	records := decodeAll(t, &buf)
	if len(records) != 2 {
		t.Fatalf("renaming a non-directory should emit only the parent pair, got %d records: %+v", len(records), records)
	}
}

func TestFirstAllowWriteCheckReflectsPriorExistence(t *testing.T) {
	var buf bytes.Buffer
	existing := map[string]bool{"/out/existing.txt": true}
	d := newTestDispatcherFS(&buf, FS{
		Exists: func(path string) bool { return existing[path] },
	})
	d.File(Event{PID: 5, RootPID: 100, Operation: report.OpFileWrite, Path: "/out/new.txt", AlreadyResolved: true})
	d.File(Event{PID: 5, RootPID: 100, Operation: report.OpFileWrite, Path: "/out/existing.txt", AlreadyResolved: true})
	records := decodeAll(t, &buf)
	var gotNew, gotExisting bool
	for _, r := range records {
		if r.Operation != report.OpFirstAllowWriteCheck {
			continue
		}
		switch r.Path {
		case "/out/new.txt":
			gotNew = true
			if !r.Allowed {
				t.Fatalf("first write to a path that didn't exist should report Allowed=true, got %+v", r)
			}
		case "/out/existing.txt":
			gotExisting = true
			if r.Allowed {
				t.Fatalf("first write to a path that already existed should report Allowed=false, got %+v", r)
			}
		}
	}
	if !gotNew || !gotExisting {
		t.Fatalf("expected a FirstAllowWriteCheck record for both paths, got %+v", records)
	}
}

func TestFirstAllowWriteCheckUsesPreExistedForCreatingOps(t *testing.T) {
	var buf bytes.Buffer
	// Exists would report true (the create syscall already ran and left the
	// file behind) but PreExisted says it didn't exist beforehand — the
	// caller's pre-syscall check must win for existence-mutating operations.
	d := newTestDispatcherFS(&buf, FS{
		Exists: func(path string) bool { return true },
	})
	d.File(Event{PID: 5, RootPID: 100, Operation: report.OpCreateFile, Path: "/out/new.txt", AlreadyResolved: true, PreExisted: false})
	records := decodeAll(t, &buf)
	for _, r := range records {
		if r.Operation == report.OpFirstAllowWriteCheck && !r.Allowed {
			t.Fatalf("PreExisted=false should report Allowed=true even though fs.Exists now returns true, got %+v", r)
		}
	}
}

func TestFileDeniedStillReported(t *testing.T) {
	var buf bytes.Buffer
	d := newTestDispatcher(&buf)
	allowed := d.File(Event{PID: 5, RootPID: 100, Operation: report.OpFileWrite, Path: "/etc/passwd", AlreadyResolved: true})
	if allowed {
		t.Fatal("write outside any writable scope should be denied")
	}
	records := decodeAll(t, &buf)
	if len(records) != 1 || records[0].Allowed {
		t.Fatalf("denied access should still be reported, got %+v", records)
	}
}

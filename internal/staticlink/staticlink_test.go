package staticlink

import (
	"os"
	"path/filepath"
	"testing"
)

// fakeObjdump writes a tiny shell script standing in for objdump so
// tests don't depend on the real tool being installed or on real ELF
// binaries being available to probe.
func fakeObjdump(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "objdump")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func withObjdump(t *testing.T, script string) {
	t.Helper()
	old := ObjdumpPath
	ObjdumpPath = fakeObjdump(t, script)
	t.Cleanup(func() { ObjdumpPath = old })
}

func tempExe(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog")
	if err := os.WriteFile(path, []byte("fake"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDynamicBinaryIsNotStatic(t *testing.T) {
	withObjdump(t, `echo "Program Header:"; echo "  NEEDED               libc.so.6"`)
	d := New(nil)
	static, forced, err := d.IsStaticallyLinked(tempExe(t))
	if err != nil {
		t.Fatal(err)
	}
	if static || forced {
		t.Fatalf("static=%v forced=%v, want false/false", static, forced)
	}
}

func TestStaticBinaryMissingNeededLibc(t *testing.T) {
	withObjdump(t, `echo "Program Header:"`)
	d := New(nil)
	static, forced, err := d.IsStaticallyLinked(tempExe(t))
	if err != nil {
		t.Fatal(err)
	}
	if !static || forced {
		t.Fatalf("static=%v forced=%v, want true/false", static, forced)
	}
}

func TestForcedBasenameSkipsProbe(t *testing.T) {
	ObjdumpPath = "/does/not/exist"
	exe := tempExe(t)
	d := New(map[string]bool{filepath.Base(exe): true})
	static, forced, err := d.IsStaticallyLinked(exe)
	if err != nil {
		t.Fatal(err)
	}
	if !static || !forced {
		t.Fatalf("static=%v forced=%v, want true/true", static, forced)
	}
}

func TestDecisionIsCachedByMtime(t *testing.T) {
	calls := 0
	dir := t.TempDir()
	counter := filepath.Join(dir, "calls")
	withObjdump(t, `echo x >> `+counter+`; echo "Program Header:"; echo "  NEEDED               libc.so.6"`)
	exe := tempExe(t)
	d := New(nil)
	if _, _, err := d.IsStaticallyLinked(exe); err != nil {
		t.Fatal(err)
	}
	if _, _, err := d.IsStaticallyLinked(exe); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(counter)
	for _, c := range b {
		if c == 'x' {
			calls++
		}
	}
	if calls != 1 {
		t.Fatalf("objdump invoked %d times, want 1 (second lookup should hit cache)", calls)
	}
}

package pathresolve

import "testing"

func TestNormalizeLexicalCollapse(t *testing.T) {
	r := &Resolver{}
	tests := map[string]string{
		"/a/./b/../c": "/a/c",
		"/a//b":       "/a/b",
		"/../../etc":  "/etc",
		"/":           "/",
	}
	for in, want := range tests {
		got, ok := r.Normalize(in, "", true)
		if !ok || got != want {
			t.Errorf("Normalize(%q) = %q, %v; want %q, true", in, got, ok, want)
		}
	}
}

func TestNormalizeRelativeToDirfd(t *testing.T) {
	r := &Resolver{}
	got, ok := r.Normalize("sub/file.txt", "/work/dir", true)
	if !ok || got != "/work/dir/sub/file.txt" {
		t.Errorf("Normalize relative = %q, %v", got, ok)
	}
}

func TestNormalizeEmptyFails(t *testing.T) {
	r := &Resolver{}
	if _, ok := r.Normalize("", "/work", true); ok {
		t.Error("Normalize(\"\") should fail per invariant 7")
	}
}

func TestNormalizeRelativeWithoutDirFails(t *testing.T) {
	r := &Resolver{}
	if _, ok := r.Normalize("rel/path", "", true); ok {
		t.Error("Normalize of relative path with no dir context should fail")
	}
}

func TestNormalizeResolvesIntermediateSymlink(t *testing.T) {
	links := map[string]string{"/a/b": "real"}
	var reported []string
	r := &Resolver{
		ReadLink: func(p string) (string, bool, error) {
			if t, ok := links[p]; ok {
				return t, true, nil
			}
			return "", false, nil
		},
		OnSymlink: func(p string) { reported = append(reported, p) },
	}
	got, ok := r.Normalize("/a/b/c", "", true)
	if !ok || got != "/a/real/c" {
		t.Errorf("Normalize with symlink = %q, %v", got, ok)
	}
	if len(reported) != 1 || reported[0] != "/a/b" {
		t.Errorf("symlink report = %v, want [/a/b]", reported)
	}
}

func TestNormalizeBreaksSymlinkCycle(t *testing.T) {
	links := map[string]string{"/a": "/b", "/b": "/a"}
	r := &Resolver{
		ReadLink: func(p string) (string, bool, error) {
			if t, ok := links[p]; ok {
				return t, true, nil
			}
			return "", false, nil
		},
	}
	// Must terminate rather than loop forever.
	_, _ = r.Normalize("/a", "", true)
}

func TestNormalizeFollowFinalFalse(t *testing.T) {
	links := map[string]string{"/a/link": "/a/real"}
	r := &Resolver{
		ReadLink: func(p string) (string, bool, error) {
			if t, ok := links[p]; ok {
				return t, true, nil
			}
			return "", false, nil
		},
	}
	got, ok := r.Normalize("/a/link", "", false)
	if !ok || got != "/a/link" {
		t.Errorf("Normalize with followFinal=false = %q, %v, want /a/link unresolved", got, ok)
	}
}

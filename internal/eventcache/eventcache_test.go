package eventcache

import "testing"

func TestSeenDedups(t *testing.T) {
	c := New()
	if c.Seen(ClassStat, "/a") {
		t.Fatal("first Seen should report a miss")
	}
	if !c.Seen(ClassStat, "/a") {
		t.Fatal("second Seen on the same class+path should report a hit")
	}
}

func TestSeenClassesAreIndependent(t *testing.T) {
	c := New()
	if c.Seen(ClassStat, "/a") {
		t.Fatal("stat miss expected")
	}
	if c.Seen(ClassWrite, "/a") {
		t.Fatal("write on the same path must not be suppressed by a prior stat")
	}
}

func TestSeenPathsAreIndependent(t *testing.T) {
	c := New()
	c.Seen(ClassRead, "/a")
	if c.Seen(ClassRead, "/b") {
		t.Fatal("distinct paths must not collide")
	}
}

func TestResetClearsEntries(t *testing.T) {
	c := New()
	c.Seen(ClassRead, "/a")
	c.Reset()
	if c.Seen(ClassRead, "/a") {
		t.Fatal("Reset should clear previously seen entries")
	}
}

package fdtable

import (
	"errors"
	"testing"
)

func TestSetGetRoundTrip(t *testing.T) {
	tb := New(nil)
	tb.Set(3, "/etc/hosts")
	got, ok := tb.Get(3)
	if !ok || got != "/etc/hosts" {
		t.Fatalf("Get(3) = %q, %v", got, ok)
	}
}

func TestInvalidateClearsEntry(t *testing.T) {
	calls := 0
	tb := New(func(fd int) (string, error) {
		calls++
		return "", errors.New("no proc entry")
	})
	tb.Set(4, "/tmp/x")
	tb.Invalidate(4)
	if _, ok := tb.Get(4); ok {
		t.Fatal("Get after Invalidate should fall through to proc lookup and fail")
	}
	if calls != 1 {
		t.Fatalf("proc lookup called %d times, want 1", calls)
	}
}

func TestGetFallsBackToProc(t *testing.T) {
	tb := New(func(fd int) (string, error) {
		return "/proc/self/fd/5", nil
	})
	got, ok := tb.Get(5)
	if !ok || got != "/proc/self/fd/5" {
		t.Fatalf("Get(5) = %q, %v", got, ok)
	}
	// Second call should now hit the fast path without consulting proc again.
	tb.proc = nil
	got2, ok2 := tb.Get(5)
	if !ok2 || got2 != got {
		t.Fatalf("cached Get(5) = %q, %v", got2, ok2)
	}
}

func TestOutOfRangeFDSkipsFastPath(t *testing.T) {
	calls := 0
	tb := New(func(fd int) (string, error) {
		calls++
		return "/proc/self/fd/big", nil
	})
	tb.Set(MaxFD+10, "ignored")
	if _, ok := tb.Get(MaxFD + 10); !ok {
		t.Fatal("out-of-range fd should still resolve via proc")
	}
	if calls != 1 {
		t.Fatalf("proc called %d times, want 1", calls)
	}
}

func TestDisabledBypassesFastPath(t *testing.T) {
	calls := 0
	tb := New(func(fd int) (string, error) {
		calls++
		return "/fresh", nil
	})
	tb.Set(2, "/stale")
	tb.Disabled = true
	got, ok := tb.Get(2)
	if !ok || got != "/fresh" {
		t.Fatalf("Get with Disabled = %q, %v, want /fresh", got, ok)
	}
	if calls != 1 {
		t.Fatalf("proc called %d times, want 1", calls)
	}
}

func TestForkCopiesEntries(t *testing.T) {
	tb := New(nil)
	tb.Set(6, "/a")
	child := tb.Fork()
	tb.Set(6, "/b")
	got, ok := child.Get(6)
	if !ok || got != "/a" {
		t.Fatalf("forked child should keep the pre-fork value, got %q", got)
	}
}

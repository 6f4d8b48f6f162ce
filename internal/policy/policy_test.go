package policy

import (
	"testing"

	"github.com/criyle/fileaccess/internal/manifest"
)

func newTestManifest() *manifest.Manifest {
	m := manifest.New(1, -1, "/tmp/pipe", "/opt/fam.so", manifest.FlagReportFileAccessesOnly)
	m.AddScope("/", manifest.ScopePolicy{AllowRead: true})
	m.AddScope("/out", manifest.ScopePolicy{AllowRead: true, AllowWrite: true, IsWriteableMount: true})
	m.AddScope("/secret", manifest.ScopePolicy{AllowRead: true, ReportExplicitly: true})
	return m
}

func TestEvaluateAllowedUnderMatchingScope(t *testing.T) {
	e := New(newTestManifest())
	v := e.Evaluate("/out/a.txt", KindWrite)
	if !v.Allowed {
		t.Fatal("write under /out should be allowed")
	}
}

func TestEvaluateDeniedStillReported(t *testing.T) {
	e := New(newTestManifest())
	v := e.Evaluate("/etc/passwd", KindWrite)
	if v.Allowed {
		t.Fatal("write outside any writable scope should be denied")
	}
	if !v.Report {
		t.Fatal("a denied access must still be reported")
	}
}

func TestEvaluateNoScopeIsDeniedAndReported(t *testing.T) {
	e := New(manifest.New(1, -1, "", "", 0))
	v := e.Evaluate("/nowhere", KindRead)
	if v.Allowed || !v.Report {
		t.Fatalf("unmatched path should be denied+reported, got %+v", v)
	}
}

func TestEvaluateFirstWriteCheckFiresOncePerPath(t *testing.T) {
	e := New(newTestManifest())
	v1 := e.Evaluate("/out/a.txt", KindWrite)
	v2 := e.Evaluate("/out/a.txt", KindWrite)
	if !v1.FirstWriteCheck {
		t.Fatal("first write to a path under a writable mount should set FirstWriteCheck")
	}
	if v2.FirstWriteCheck {
		t.Fatal("second write to the same path should not re-fire FirstWriteCheck")
	}
}

func TestEvaluateFirstWriteCheckFiresPerDistinctPath(t *testing.T) {
	e := New(newTestManifest())
	v1 := e.Evaluate("/out/a.txt", KindWrite)
	v2 := e.Evaluate("/out/b.txt", KindWrite)
	if !v1.FirstWriteCheck || !v2.FirstWriteCheck {
		t.Fatal("a first write to a different path under the same scope must still set FirstWriteCheck")
	}
}

func TestEvaluateReportExplicitlyOverridesSuppression(t *testing.T) {
	e := New(newTestManifest())
	v := e.Evaluate("/secret/x", KindRead)
	if !v.Report {
		t.Fatal("ReportExplicitly scope must be reported even under report-file-accesses-only")
	}
	if !v.ReportExplicitly {
		t.Fatal("verdict should carry the matched scope's own ReportExplicitly bit")
	}
}

func TestEvaluateReportExplicitlyFalseForOrdinaryScope(t *testing.T) {
	e := New(newTestManifest())
	v := e.Evaluate("/out/a.txt", KindWrite)
	if v.ReportExplicitly {
		t.Fatal("an ordinary scope's verdict must not carry ReportExplicitly")
	}
}

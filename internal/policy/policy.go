// Package policy implements C5: folding a manifest scope lookup and the
// kind of access being attempted into an allow/deny verdict and a
// report/suppress decision (spec.md §4.5).
package policy

import "github.com/criyle/fileaccess/internal/manifest"

// Kind is the access being evaluated against a scope.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
	KindProbe
)

// Verdict is the result of evaluating one access against the manifest.
type Verdict struct {
	Allowed bool
	// Report is true when the access should be emitted as an access
	// report. Denial never suppresses a report — the supervisor needs to
	// see the attempt even when policy disallows it (spec.md §4.5 step 4:
	// "denial is advisory at the observer; the decision to fail the build
	// belongs to the supervisor").
	Report bool
	// FirstWriteCheck is set once, the first time a given path is written
	// under a writable mount, so the caller can emit the one-shot
	// "first write to P" probe report (spec.md §4.5 step 4, glossary "the
	// first time a path is written") — keyed per path, not per scope.
	FirstWriteCheck bool
	// ReportExplicitly carries the matched scope's own ReportExplicitly
	// policy bit (false when no scope matched), for the wire record's
	// reportExplicitly field (spec.md §4.6) — distinct from Report, which
	// is the overall should-emit-a-record decision.
	ReportExplicitly bool
}

// Evaluator folds manifest lookups into verdicts. It is not safe for
// concurrent use without external synchronization beyond what Manifest
// itself already provides, because it tracks per-path "have we already
// done the first-write-check" state.
type Evaluator struct {
	m            *manifest.Manifest
	writeChecked map[string]bool
}

// New wraps m for verdict evaluation.
func New(m *manifest.Manifest) *Evaluator {
	return &Evaluator{m: m, writeChecked: make(map[string]bool)}
}

// Evaluate decides whether kind access to absolutePath is allowed and
// whether it should be reported.
//
// A path with no matching scope is denied and always reported. For a
// matched scope, a denied access is always reported; an allowed one is
// reported when the scope has ReportExplicitly set or the manifest's
// report-file-accesses-only flag is clear (spec.md §4.5 step 3).
func (e *Evaluator) Evaluate(absolutePath string, kind Kind) Verdict {
	scope, _, matched := e.m.LookupScope(absolutePath)
	if !matched {
		return Verdict{Allowed: false, Report: true}
	}

	var allowed bool
	switch kind {
	case KindRead:
		allowed = scope.AllowRead
	case KindWrite:
		allowed = scope.AllowWrite
	case KindProbe:
		allowed = scope.AllowProbe
	}

	v := Verdict{Allowed: allowed, ReportExplicitly: scope.ReportExplicitly}
	v.Report = !allowed || scope.ReportExplicitly || !e.m.ReportFileAccessesOnly()

	// The first-write-check dedup keys on the accessed path itself, so a
	// second write to the same file under a writable mount doesn't re-fire
	// it, but a first write to any other path under that same mount does
	// (spec.md §4.5 step 4: "first write to P", per path, not per scope).
	if kind == KindWrite && scope.IsWriteableMount && !e.writeChecked[absolutePath] {
		e.writeChecked[absolutePath] = true
		v.FirstWriteCheck = true
	}

	return v
}

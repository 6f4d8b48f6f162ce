// Package manifest implements C1: parsing the per-pip binary access
// manifest and exposing scope -> policy lookups to the rest of the
// observer. The manifest is immutable once loaded (spec.md §3).
package manifest

import (
	"fmt"
	"os"

	"github.com/criyle/fileaccess/internal/codec"
)

// EnvManifestPath names the environment variable carrying the manifest
// file path (spec.md §6).
const EnvManifestPath = "BXL_FAM_PATH"

// Manifest is the parsed, immutable access manifest for one pip.
type Manifest struct {
	PipID              uint64
	RootPID            int32
	ReportPipePath     string
	PreloadLibraryPath string
	PTraceMQName       string

	flags        Flags
	scopes       *scopeTrie
	forcedPtrace map[string]bool
}

// Load reads and parses the manifest named by $BXL_FAM_PATH. A missing
// env var, missing file, or unparseable blob is a fatal configuration
// error per spec.md §7 — callers should treat a non-nil error here as
// fatal: a child running without a manifest produces no reports and the
// build would silently cache a wrong result.
func Load() (*Manifest, error) {
	path := os.Getenv(EnvManifestPath)
	if path == "" {
		return nil, fmt.Errorf("manifest: %s is not set", EnvManifestPath)
	}
	return LoadFile(path)
}

// LoadFile parses the manifest at the given path. Exposed separately from
// Load so tests and the CLI probe tool can bypass the environment.
func LoadFile(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: reading %s: %w", path, err)
	}
	var w wireManifest
	if err := codec.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("manifest: decoding %s: %w", path, err)
	}
	return fromWire(&w), nil
}

func fromWire(w *wireManifest) *Manifest {
	trie := newScopeTrie()
	for _, s := range w.Scopes {
		trie.add(s.Prefix, ScopePolicy{
			AllowRead:        s.AllowRead,
			AllowWrite:       s.AllowWrite,
			AllowProbe:       s.AllowProbe,
			ReportExplicitly: s.ReportExplicitly,
			IsWriteableMount: s.IsWriteableMount,
		})
	}
	forced := make(map[string]bool, len(w.ForcedPtraceNames))
	for _, n := range w.ForcedPtraceNames {
		forced[n] = true
	}
	return &Manifest{
		PipID:              w.PipID,
		RootPID:            w.RootPID,
		ReportPipePath:     w.ReportPipePath,
		PreloadLibraryPath: w.PreloadLibraryPath,
		PTraceMQName:       w.PTraceMQName,
		flags:              Flags(w.Flags),
		scopes:             trie,
		forcedPtrace:       forced,
	}
}

// Encode serializes a manifest back to its wire form. Used by the build
// engine side of tests and by the CLI probe tool to synthesize a manifest
// on disk without depending on a running build engine.
func Encode(m *Manifest) ([]byte, error) {
	w := wireManifest{
		PipID:              m.PipID,
		RootPID:            m.RootPID,
		ReportPipePath:     m.ReportPipePath,
		PreloadLibraryPath: m.PreloadLibraryPath,
		Flags:              uint32(m.flags),
		PTraceMQName:       m.PTraceMQName,
	}
	for prefix, p := range m.scopes.byPrefix {
		w.Scopes = append(w.Scopes, wireScope{
			Prefix: prefix, AllowRead: p.AllowRead, AllowWrite: p.AllowWrite,
			AllowProbe: p.AllowProbe, ReportExplicitly: p.ReportExplicitly,
			IsWriteableMount: p.IsWriteableMount,
		})
	}
	if m.scopes.hasRoot {
		w.Scopes = append(w.Scopes, wireScope{
			Prefix: "/", AllowRead: m.scopes.root.AllowRead, AllowWrite: m.scopes.root.AllowWrite,
			AllowProbe: m.scopes.root.AllowProbe, ReportExplicitly: m.scopes.root.ReportExplicitly,
			IsWriteableMount: m.scopes.root.IsWriteableMount,
		})
	}
	for n := range m.forcedPtrace {
		w.ForcedPtraceNames = append(w.ForcedPtraceNames, n)
	}
	return codec.Marshal(&w)
}

// New builds an empty, in-memory manifest for programmatic construction
// (used by the probe CLI and by tests). Callers populate scopes via
// AddScope before Encode-ing it to a file.
func New(pipID uint64, rootPID int32, reportPipePath, preloadLibraryPath string, flags Flags) *Manifest {
	return &Manifest{
		PipID:              pipID,
		RootPID:            rootPID,
		ReportPipePath:     reportPipePath,
		PreloadLibraryPath: preloadLibraryPath,
		flags:              flags,
		scopes:             newScopeTrie(),
		forcedPtrace:       make(map[string]bool),
	}
}

// AddScope registers a policy for a path prefix.
func (m *Manifest) AddScope(prefix string, policy ScopePolicy) {
	m.scopes.add(prefix, policy)
}

// AddForcedPtrace marks a basename as always routed through the ptrace
// fallback, regardless of whether it turns out to be statically linked.
func (m *Manifest) AddForcedPtrace(basename string) {
	m.forcedPtrace[basename] = true
}

// Lookup returns the deepest scope policy prefixing absolutePath.
func (m *Manifest) Lookup(absolutePath string) (ScopePolicy, bool) {
	return m.scopes.lookup(absolutePath)
}

// LookupScope is Lookup plus the matched scope's own prefix, for callers
// that need a stable per-scope identity rather than a per-path one.
func (m *Manifest) LookupScope(absolutePath string) (ScopePolicy, string, bool) {
	return m.scopes.lookupWithPrefix(absolutePath)
}

// IsMonitoringChildren reports whether descendants of the pip's root
// process should also be observed (manifest flag monitor-children).
func (m *Manifest) IsMonitoringChildren() bool {
	return m.flags.Has(FlagMonitorChildren)
}

// PtraceEnabled reports whether the ptrace fallback path is configured at
// all for this pip.
func (m *Manifest) PtraceEnabled() bool {
	return m.flags.Has(FlagPtraceEnabled)
}

// PtraceUnconditional reports whether every child should go through the
// ptrace path regardless of linking.
func (m *Manifest) PtraceUnconditional() bool {
	return m.flags.Has(FlagPtraceUnconditional)
}

// FailOnUnexpectedAccess reports whether the manifest asks the supervisor
// to treat a denied access as fatal (spec.md §4.5: denial is advisory at
// the observer level; this flag is only ever read by the supervisor, but
// the observer still carries it through so the report consumer can see it).
func (m *Manifest) FailOnUnexpectedAccess() bool {
	return m.flags.Has(FlagFailOnUnexpectedAccess)
}

// ReportFileAccessesOnly reports whether the manifest-wide
// report-file-accesses-only flag is set. policy.Evaluate combines it with
// the per-scope ReportExplicitly bit: with the flag set, an allowed access
// in a scope without ReportExplicitly is not reported (spec.md §4.5 step 3).
func (m *Manifest) ReportFileAccessesOnly() bool {
	return m.flags.Has(FlagReportFileAccessesOnly)
}

// ShouldForcePtrace reports whether basename is in the manifest's forced
// ptrace set (spec.md §4.8 step 1).
func (m *Manifest) ShouldForcePtrace(basename string) bool {
	return m.forcedPtrace[basename]
}

// ForcedPtraceNames lists every basename in the manifest's forced-ptrace
// set, for propagating it to a child process's environment on exec
// (spec.md §4.10, $BXL_PTRACE_FORCED).
func (m *Manifest) ForcedPtraceNames() []string {
	names := make([]string, 0, len(m.forcedPtrace))
	for n := range m.forcedPtrace {
		names = append(names, n)
	}
	return names
}

package manifest

// Flags is the extraflags bitset carried by the manifest (spec.md §3,
// AccessManifest.flags).
type Flags uint32

const (
	FlagMonitorChildren Flags = 1 << iota
	FlagPtraceEnabled
	FlagPtraceUnconditional
	FlagFailOnUnexpectedAccess
	FlagReportFileAccessesOnly
)

// Has reports whether all bits in want are set.
func (f Flags) Has(want Flags) bool {
	return f&want == want
}

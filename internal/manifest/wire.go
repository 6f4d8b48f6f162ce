package manifest

// wireManifest is the CBOR-encoded blob named by $BXL_FAM_PATH. Scopes are
// flattened to a slice on the wire; Load rebuilds them into a prefix trie
// (see trie.go) because the policy engine (C5) always wants the deepest
// matching prefix, never the flat list.
type wireManifest struct {
	PipID              uint64      `cbor:"pip_id"`
	RootPID            int32       `cbor:"root_pid"`
	ReportPipePath     string      `cbor:"report_pipe_path"`
	PreloadLibraryPath string      `cbor:"preload_library_path"`
	Flags              uint32      `cbor:"flags"`
	Scopes             []wireScope `cbor:"scopes"`
	ForcedPtraceNames  []string    `cbor:"forced_ptrace_names"`
	PTraceMQName       string      `cbor:"ptrace_mq_name"`
}

type wireScope struct {
	Prefix           string `cbor:"prefix"`
	AllowRead        bool   `cbor:"allow_read"`
	AllowWrite       bool   `cbor:"allow_write"`
	AllowProbe       bool   `cbor:"allow_probe"`
	ReportExplicitly bool   `cbor:"report_explicitly"`
	IsWriteableMount bool   `cbor:"is_writeable_mount"`
}

// ScopePolicy is the per-scope access policy looked up by path prefix.
type ScopePolicy struct {
	AllowRead        bool
	AllowWrite       bool
	AllowProbe       bool
	ReportExplicitly bool
	IsWriteableMount bool
}

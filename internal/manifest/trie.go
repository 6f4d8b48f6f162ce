package manifest

import "strings"

// scopeTrie is a prefix trie over absolute paths whose leaves hold a
// ScopePolicy (spec.md §3, AccessManifest.policyTree). It is built as a
// map keyed by exact prefix plus a walk-up-to-root lookup, the same
// hierarchical-set technique the reference sandbox's FileSet.IsInSetSmart
// uses for its read/write/stat sets, generalized here from "is a member"
// to "find the deepest policy".
type scopeTrie struct {
	byPrefix map[string]ScopePolicy
	hasRoot  bool
	root     ScopePolicy
}

func newScopeTrie() *scopeTrie {
	return &scopeTrie{byPrefix: make(map[string]ScopePolicy)}
}

func (t *scopeTrie) add(prefix string, policy ScopePolicy) {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		t.hasRoot = true
		t.root = policy
		return
	}
	t.byPrefix[prefix] = policy
}

// lookup returns the policy for the deepest scope prefixing path, and
// whether any scope matched at all.
func (t *scopeTrie) lookup(path string) (ScopePolicy, bool) {
	p, _, ok := t.lookupWithPrefix(path)
	return p, ok
}

// lookupWithPrefix additionally returns the matched scope's own prefix,
// a stable per-scope (not per-path) identity, without callers re-walking
// the trie themselves.
func (t *scopeTrie) lookupWithPrefix(path string) (ScopePolicy, string, bool) {
	name := strings.TrimSuffix(path, "/")
	for name != "" {
		if p, ok := t.byPrefix[name]; ok {
			return p, name, true
		}
		idx := strings.LastIndex(name, "/")
		if idx < 0 {
			break
		}
		if idx == 0 {
			name = ""
		} else {
			name = name[:idx]
		}
	}
	if t.hasRoot {
		return t.root, "/", true
	}
	return ScopePolicy{}, "", false
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import "strings"

// KeySet is an ordered set of field names mutated locally since the last
// successful sync. Insertion order is preserved so upload payloads are
// deterministic; the set is only flattened to its comma-separated form at
// the persistence boundary.
type KeySet struct {
	keys []string
}

// ParseKeySet parses the persisted comma-separated form. Blank entries and
// surrounding whitespace are dropped.
func ParseKeySet(s string) KeySet {
	var ks KeySet
	for _, part := range strings.Split(s, ",") {
		if name := strings.TrimSpace(part); name != "" {
			ks.Add(name)
		}
	}
	return ks
}

// Add unions the given field names into the set. Re-adding an existing
// name is a no-op.
func (ks *KeySet) Add(names ...string) {
	for _, name := range names {
		if !ks.Has(name) {
			ks.keys = append(ks.keys, name)
		}
	}
}

// Has reports whether name is in the set.
func (ks *KeySet) Has(name string) bool {
	for _, k := range ks.keys {
		if k == name {
			return true
		}
	}
	return false
}

// Keys returns the field names in insertion order.
func (ks *KeySet) Keys() []string {
	out := make([]string, len(ks.keys))
	copy(out, ks.keys)
	return out
}

// Len returns the number of tracked field names.
func (ks *KeySet) Len() int { return len(ks.keys) }

// IsEmpty reports whether no fields are tracked.
func (ks *KeySet) IsEmpty() bool { return len(ks.keys) == 0 }

// String flattens the set to its persisted comma-separated form.
func (ks KeySet) String() string { return strings.Join(ks.keys, ",") }

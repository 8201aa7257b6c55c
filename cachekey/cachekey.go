// Package cachekey builds the deterministic string key the counter
// store and the near-cache use to identify one (domain, descriptor,
// unit, window) bucket.
//
// Known limitation: keys are joined with ":" and each entry's key/value
// pair is joined with "_", neither of which is escaped. A descriptor
// value containing "_" or ":" can collide with an adjacent entry. This
// mirrors the original implementation this service was distilled from
// and is a documented limitation, not a bug to fix here.
package cachekey

import (
	"strconv"
	"strings"

	"github.com/ratelimitd/ratelimitd/internal/clock"
)

// Entry is the minimal (key, value) shape cachekey needs; it matches
// ratelimitd.Entry without importing the root package (which imports
// cachekey), keeping the dependency direction one-way.
type Entry struct {
	Key   string
	Value string
}

// Window returns the window index for unixSeconds under a window of
// unitSeconds: floor(unixSeconds / unitSeconds).
func Window(unixSeconds, unitSeconds int64) int64 {
	return unixSeconds / unitSeconds
}

// Encode builds the cache key for a descriptor in a domain, for the
// window containing src's current time. prefix, if non-empty, is
// prepended with a single ":" separator.
func Encode(prefix, domain string, entries []Entry, unitSeconds int64, src clock.Source) string {
	now := src.UnixNow()
	window := Window(now, unitSeconds)

	var b strings.Builder
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteByte(':')
	}
	b.WriteString(domain)

	for _, e := range entries {
		b.WriteByte(':')
		if e.Value == "" {
			b.WriteString(e.Key)
		} else {
			b.WriteString(e.Key)
			b.WriteByte('_')
			b.WriteString(e.Value)
		}
	}

	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(window, 10))
	return b.String()
}

// ResetSeconds computes how many seconds remain until the window
// containing src's current time rotates. Always in (0, unitSeconds].
func ResetSeconds(unitSeconds int64, src clock.Source) uint64 {
	now := src.UnixNow()
	currentWindow := Window(now, unitSeconds)
	nextWindowStart := (currentWindow + 1) * unitSeconds
	return uint64(nextWindowStart - now)
}

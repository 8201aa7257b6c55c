package ratelimitd

import (
	"sync/atomic"

	"github.com/ratelimitd/ratelimitd/resolver"
)

// SnapshotManager holds the set of compiled domain configurations the
// engine resolves descriptors against. Configuration changes are
// installed as a whole new snapshot — a map[string]*resolver.Compiled
// swapped in atomically — so a Decide call in flight always sees one
// consistent view of every domain for its entire lifetime, never a mix
// of old and new configuration across domains.
type SnapshotManager struct {
	current atomic.Pointer[map[string]*resolver.Compiled]
}

// NewSnapshotManager builds a manager seeded with domains.
func NewSnapshotManager(domains map[string]*resolver.Compiled) *SnapshotManager {
	m := &SnapshotManager{}
	m.Install(domains)
	return m
}

// Install atomically replaces the entire set of compiled domains. The
// passed-in map is copied, so later changes to it by the caller do not
// affect the installed snapshot.
func (m *SnapshotManager) Install(domains map[string]*resolver.Compiled) {
	snapshot := make(map[string]*resolver.Compiled, len(domains))
	for k, v := range domains {
		snapshot[k] = v
	}
	m.current.Store(&snapshot)
}

// Domain returns the compiled configuration for domain as of the
// currently installed snapshot, or false if no such domain is
// configured.
func (m *SnapshotManager) Domain(domain string) (*resolver.Compiled, bool) {
	snapshot := m.current.Load()
	if snapshot == nil {
		return nil, false
	}
	c, ok := (*snapshot)[domain]
	return c, ok
}

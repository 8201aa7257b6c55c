package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-memory Store: a single fixed-window counter map
// guarded by a mutex. It is meant for tests and single-instance
// deployments; it implements exactly the batched-pipeline contract a
// Redis-backed Store does, so the decision engine can be exercised
// without a network dependency.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	done    chan struct{}
	closed  bool
}

type memoryEntry struct {
	count     uint64
	expiresAt time.Time
}

// NewMemory creates a Memory store. cleanupInterval, if positive,
// starts a background goroutine that periodically evicts expired
// entries; pass 0 to disable it (tests that advance a mock clock
// usually do, since nothing ever "really" expires for them).
func NewMemory(cleanupInterval time.Duration) *Memory {
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		done:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go m.runCleanup(cleanupInterval)
	}
	return m
}

// PipelineIncrement applies every op to its own counter; each op's TTL
// resets that key's expiry, as Redis's EXPIRE would after every INCR.
func (m *Memory) PipelineIncrement(ctx context.Context, ops []Op) ([]uint64, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	for _, op := range ops {
		if op.TTL <= 0 {
			return nil, &Error{Msg: "ttl must be positive"}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	results := make([]uint64, len(ops))
	for i, op := range ops {
		e, found := m.entries[op.Key]
		if found && now.After(e.expiresAt) {
			found = false
		}
		if !found {
			e = &memoryEntry{count: 0}
			m.entries[op.Key] = e
		}
		e.count += op.Increment
		e.expiresAt = now.Add(op.TTL)
		results[i] = e.count
	}
	return results, nil
}

// HealthCheck always succeeds: there is no network dependency to fail.
func (m *Memory) HealthCheck(ctx context.Context) error { return nil }

// Close stops the background cleanup goroutine, if one was started.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

func (m *Memory) runCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for key, e := range m.entries {
				if now.After(e.expiresAt) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}

// Package store provides the counter backends the decision engine
// increments against: a batched, pipelined "incrby + expire" per key,
// with the whole batch executing as one round trip.
//
// Two implementations are provided: Memory, for tests and single-
// instance use, and Redis, for production; Pool groups a primary and an
// optional per-second Store and routes between them — matching
// the teacher module's own Store abstraction, generalized from a single
// key/window call to a batch.
package store

import (
	"context"
	"fmt"
	"time"
)

// Op is one counter operation: increment Key by Increment and (re)set
// its expiry to TTL. TTL must be positive — a TTL of zero would delete
// the counter outright and is rejected by every Store implementation.
type Op struct {
	Key       string
	Increment uint64
	TTL       time.Duration
}

// Error reports a transport, timeout, or type-mismatch failure from a
// Store implementation. It is defined here, inside the leaf store
// package, rather than as the root package's own error type: the root
// package already imports store for the Store interface, so store
// importing the root package back for its error type would form an
// import cycle. The root decision engine wraps an *Error it receives
// from a Store call in its own *ratelimitd.StoreError.
type Error struct {
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store error: %s: %v", e.Msg, e.Err)
	}
	return "store error: " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Store executes a batch of increment+expire operations atomically as
// a single round trip and returns the post-increment value for each,
// in the same order as the input batch. An empty batch returns an
// empty result without touching the backend.
type Store interface {
	PipelineIncrement(ctx context.Context, ops []Op) ([]uint64, error)

	// HealthCheck reports whether the backend is reachable within its
	// configured command timeout.
	HealthCheck(ctx context.Context) error

	// Close releases any resources (connections, goroutines) held by
	// the store.
	Close() error
}

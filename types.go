// Package ratelimitd is a generic rate-limit decision engine: given a
// domain and a list of ordered key/value descriptors, it decides
// whether each descriptor is within or over its configured limit.
//
// The engine is a fixed-window counter, not a token bucket: it keeps no
// smoothing state between windows, and a hit that pushes a window over
// its limit is never rolled back. It delegates persistence to a
// pluggable Store (in-memory for tests, Redis for production) and keeps
// an in-process near-cache to avoid hammering the store once a window
// is known to be over limit.
//
// The transport that turns wire requests into a Request and a
// Response back into bytes (gRPC, HTTP, …) lives outside this package;
// see package server and cmd/ratelimitd for one such binding.
package ratelimitd

import "github.com/ratelimitd/ratelimitd/internal/types"

// Unit, Limit, Entry, ParseUnit, and their Unit-valued constants are
// aliases onto internal/types, the leaf package the resolver also
// depends on. Keeping the defining struct/consts there (rather than
// here) is what keeps this package's own dependency on package
// resolver (see snapshot.go) from forming an import cycle: resolver
// never needs to import this package back.
type (
	Unit  = types.Unit
	Limit = types.Limit
	Entry = types.Entry
)

const (
	UnitUnknown = types.UnitUnknown
	Second      = types.Second
	Minute      = types.Minute
	Hour        = types.Hour
	Day         = types.Day
)

// ParseUnit converts a config/wire string to a Unit.
var ParseUnit = types.ParseUnit

// Descriptor is an ordered sequence of key/value entries describing one
// dimension of a request. Order is significant: [(a,1),(b,2)] and
// [(b,2),(a,1)] resolve against distinct configuration paths.
type Descriptor struct {
	Entries []Entry
}

// Request is one rate-limit decision request: a domain plus the
// descriptors to evaluate, each against its own resolved limit.
type Request struct {
	Domain      string
	Descriptors []Descriptor
	// HitsAddend is the number of hits this request consumes. Zero is
	// treated as one, so clients that omit the field behave as before
	// it existed.
	HitsAddend uint32
}

// Code is the outcome of a single descriptor's evaluation, or the
// aggregate outcome of a Response.
type Code int

const (
	CodeUnknown Code = iota
	Ok
	OverLimit
)

func (c Code) String() string {
	switch c {
	case Ok:
		return "OK"
	case OverLimit:
		return "OVER_LIMIT"
	default:
		return "UNKNOWN"
	}
}

// Status is the per-descriptor result of a decision.
type Status struct {
	Code Code
	// CurrentLimit is the limit that was resolved for this descriptor,
	// or nil if the resolver found none (the descriptor is unbounded).
	CurrentLimit *Limit
	// LimitRemaining is the number of requests left in the current
	// window, saturating at zero.
	LimitRemaining uint32
	// DurationUntilResetSecs is the number of seconds until the window
	// containing this descriptor rotates. Zero only when CurrentLimit
	// is nil.
	DurationUntilResetSecs uint64
}

// Response is the result of a decision: one Status per input
// descriptor, in the same order, plus the aggregate OverallCode.
type Response struct {
	OverallCode Code
	Statuses    []Status
}

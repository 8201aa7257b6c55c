package ratelimitd

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ratelimitd/ratelimitd/cachekey"
	"github.com/ratelimitd/ratelimitd/internal/clock"
	"github.com/ratelimitd/ratelimitd/store"
)

// StoreRouter routes a counter operation to the connection appropriate
// for its unit, matching the per-second/aggregate split a store.Pool
// implements.
type StoreRouter interface {
	Get(isPerSecond bool) store.Store
	HealthCheck(ctx context.Context) error
	Close() error
}

// Engine is the decision engine: it resolves each request descriptor
// against the currently installed configuration snapshot, consults the
// near-cache and counter store, and assembles a Response.
type Engine struct {
	snapshots *SnapshotManager
	router    StoreRouter
	clock     clock.Source
	cfg       *engineConfig
}

// NewEngine builds an Engine. snapshots supplies the compiled domain
// configurations to resolve against; router dispatches counter
// operations to the right store connection.
func NewEngine(snapshots *SnapshotManager, router StoreRouter, clk clock.Source, opts ...Option) *Engine {
	return &Engine{
		snapshots: snapshots,
		router:    router,
		clock:     clk,
		cfg:       newEngineConfig(opts...),
	}
}

// resolved is the per-descriptor working state carried from resolution
// through to response assembly.
type resolved struct {
	entries        []Entry
	limit          Limit
	hasLimit       bool
	cacheKey       string
	overLocalCache bool
}

// Decide evaluates every descriptor in req against its domain's
// configuration and returns one Status per descriptor plus the
// aggregate OverallCode.
//
// This is the one place the engine this was ported from diverged from
// its own design: the original always resolved limits from
// configuration but then discarded them before counting, passing an
// all-absent limits vector into its counting step, so every descriptor
// silently passed regardless of its configured quota. Here the resolved
// limit for each descriptor flows all the way through to the counter
// store and back.
func (e *Engine) Decide(ctx context.Context, req Request) (Response, error) {
	if req.Domain == "" {
		return Response{}, ErrEmptyDomain
	}
	if len(req.Descriptors) == 0 {
		return Response{}, ErrEmptyDescriptors
	}

	compiled, ok := e.snapshots.Domain(req.Domain)
	if !ok {
		return Response{}, &DomainNotFoundError{Domain: req.Domain}
	}

	hitsAddend := req.HitsAddend
	if hitsAddend == 0 {
		hitsAddend = 1
	}

	states := make([]resolved, len(req.Descriptors))
	for i, d := range req.Descriptors {
		limit, found := compiled.Find(d.Entries)
		states[i] = resolved{entries: d.Entries, limit: limit, hasLimit: found}
	}

	// Check the near-cache before building any store ops: a hit here
	// means this window was already known to be over limit and the
	// store never needs to be consulted for it.
	for i := range states {
		s := &states[i]
		if !s.hasLimit || s.limit.Unlimited {
			continue
		}
		s.cacheKey = e.cacheKeyFor(req.Domain, s.entries, s.limit)
		if e.cfg.nearCache != nil {
			if e.cfg.nearCache.IsOverLimit(s.cacheKey) {
				s.overLocalCache = true
				if e.cfg.metrics != nil {
					e.cfg.metrics.RecordLocalCacheHit()
				}
			} else if e.cfg.metrics != nil {
				e.cfg.metrics.RecordLocalCacheMiss()
			}
		}
	}

	counts, err := e.dispatch(ctx, states, hitsAddend)
	if err != nil {
		return Response{}, err
	}

	statuses := make([]Status, len(states))
	overall := Ok
	for i, s := range states {
		label := descriptorLabel(s.entries)
		if e.cfg.metrics != nil {
			e.cfg.metrics.RecordTotalRequest(req.Domain, label)
		}

		status := e.statusFor(s, counts[i])
		statuses[i] = status

		switch {
		case s.hasLimit && s.limit.ShadowMode:
			if e.cfg.metrics != nil {
				e.cfg.metrics.RecordShadowModeRequest(req.Domain, label)
			}
		case status.Code == OverLimit:
			overall = OverLimit
			if e.cfg.metrics != nil {
				e.cfg.metrics.RecordOverLimitRequest(req.Domain, label)
			}
		default:
			if e.cfg.metrics != nil {
				e.cfg.metrics.RecordWithinLimitRequest(req.Domain, label)
			}
		}
	}

	return Response{OverallCode: overall, Statuses: statuses}, nil
}

// statusFor turns one descriptor's resolved state plus its (possibly
// absent) store count into a Status.
func (e *Engine) statusFor(s resolved, count uint64) Status {
	if !s.hasLimit {
		return Status{Code: Ok}
	}

	limit := s.limit
	if limit.Unlimited {
		return Status{
			Code:                   Ok,
			CurrentLimit:           &limit,
			LimitRemaining:         math.MaxUint32,
			DurationUntilResetSecs: cachekey.ResetSeconds(limit.Unit.Seconds(), e.clock),
		}
	}

	resetSecs := cachekey.ResetSeconds(limit.Unit.Seconds(), e.clock)

	if s.overLocalCache {
		return Status{Code: OverLimit, CurrentLimit: &limit, LimitRemaining: 0, DurationUntilResetSecs: resetSecs}
	}

	threshold := uint64(limit.RequestsPerUnit)
	isOverLimit := count > threshold

	if isOverLimit && !limit.ShadowMode {
		if e.cfg.nearCache != nil {
			e.cfg.nearCache.MarkOverLimit(s.cacheKey, nearCacheTTL(resetSecs))
		}
		return Status{Code: OverLimit, CurrentLimit: &limit, LimitRemaining: 0, DurationUntilResetSecs: resetSecs}
	}

	remaining := uint32(0)
	if count < threshold {
		remaining = uint32(threshold - count)
	}

	code := Ok
	if isOverLimit && !limit.ShadowMode {
		code = OverLimit
	}

	return Status{Code: code, CurrentLimit: &limit, LimitRemaining: remaining, DurationUntilResetSecs: resetSecs}
}

// dispatch builds and executes the store operations for every
// descriptor that needs one (has a non-unlimited limit and wasn't
// already known over limit), routing per-second and aggregate traffic
// to their own connections in parallel, and returns the post-increment
// count for each descriptor index (zero for descriptors that needed no
// store op).
func (e *Engine) dispatch(ctx context.Context, states []resolved, hitsAddend uint32) ([]uint64, error) {
	counts := make([]uint64, len(states))

	var perSecondOps, otherOps []store.Op
	var perSecondIdx, otherIdx []int

	for i, s := range states {
		if !s.hasLimit || s.limit.Unlimited || s.overLocalCache {
			continue
		}
		op := store.Op{
			Key:       s.cacheKey,
			Increment: uint64(hitsAddend),
			TTL:       time.Duration(s.limit.Unit.Seconds()) * time.Second,
		}
		if s.limit.Unit.PerSecond() {
			perSecondOps = append(perSecondOps, op)
			perSecondIdx = append(perSecondIdx, i)
		} else {
			otherOps = append(otherOps, op)
			otherIdx = append(otherIdx, i)
		}
	}

	if len(perSecondOps) == 0 && len(otherOps) == 0 {
		return counts, nil
	}

	g, gctx := errgroup.WithContext(ctx)

	var perSecondResults, otherResults []uint64
	if len(perSecondOps) > 0 {
		g.Go(func() error {
			start := time.Now()
			res, err := e.router.Get(true).PipelineIncrement(gctx, perSecondOps)
			e.recordStoreOp("per_second", start, err)
			if err != nil {
				return err
			}
			perSecondResults = res
			return nil
		})
	}
	if len(otherOps) > 0 {
		g.Go(func() error {
			start := time.Now()
			res, err := e.router.Get(false).PipelineIncrement(gctx, otherOps)
			e.recordStoreOp("aggregate", start, err)
			if err != nil {
				return err
			}
			otherResults = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, &StoreError{Msg: "pipeline increment", Err: err}
	}

	for i, idx := range perSecondIdx {
		counts[idx] = perSecondResults[i]
	}
	for i, idx := range otherIdx {
		counts[idx] = otherResults[i]
	}
	return counts, nil
}

// recordStoreOp reports one pipeline round trip's outcome and latency
// against the store-operation counter/histogram, labeled by which
// sub-batch it was ("per_second" or "aggregate") and whether it
// succeeded.
func (e *Engine) recordStoreOp(operation string, start time.Time, err error) {
	if e.cfg.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	e.cfg.metrics.RecordStoreOperation(operation, result)
	e.cfg.metrics.RecordStoreOperationDuration(operation, time.Since(start))
}

func (e *Engine) cacheKeyFor(domain string, entries []Entry, limit Limit) string {
	ckEntries := make([]cachekey.Entry, len(entries))
	for i, en := range entries {
		ckEntries[i] = cachekey.Entry{Key: en.Key, Value: en.Value}
	}
	return cachekey.Encode(e.cfg.cacheKeyPrefix, domain, ckEntries, limit.Unit.Seconds(), e.clock)
}

func nearCacheTTL(resetSecs uint64) time.Duration {
	if resetSecs == 0 {
		return defaultNearCacheTTL
	}
	return time.Duration(resetSecs) * time.Second
}

// descriptorLabel is the metrics label for a descriptor: its first
// entry's key, matching the (domain, first descriptor key) labeling
// the metrics surface exposes.
func descriptorLabel(entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}
	return entries[0].Key
}

// HealthCheck reports whether every store connection the engine routes
// to is reachable.
func (e *Engine) HealthCheck(ctx context.Context) error {
	return e.router.HealthCheck(ctx)
}

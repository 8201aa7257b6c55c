package ratelimitd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ratelimitd/ratelimitd/internal/clock"
	"github.com/ratelimitd/ratelimitd/metrics"
	"github.com/ratelimitd/ratelimitd/nearcache"
	"github.com/ratelimitd/ratelimitd/resolver"
	"github.com/ratelimitd/ratelimitd/store"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func newTestEngine(t *testing.T, cfg resolver.Config, router StoreRouter, clk clock.Source, opts ...Option) *Engine {
	t.Helper()
	compiled, err := resolver.Compile(cfg)
	require.NoError(t, err)
	snapshots := NewSnapshotManager(map[string]*resolver.Compiled{cfg.Domain: compiled})
	return NewEngine(snapshots, router, clk, opts...)
}

// S1: a basic single-limit domain, 3 requests/second, four back-to-back
// requests in the same window yield Ok, Ok, Ok, OverLimit with
// remainings 2, 1, 0, 0.
func TestScenarioS1BasicSingleLimit(t *testing.T) {
	cfg := resolver.Config{
		Domain: "db",
		Descriptors: []resolver.Descriptor{
			{
				Key:   "users",
				Value: strPtr("alice"),
				RateLimit: &resolver.RateLimit{
					RequestsPerUnit: 3,
					Unit:            "second",
				},
			},
		},
	}
	clk := clock.NewMock(1000)
	router := store.NewPool(store.NewMemory(0))
	engine := newTestEngine(t, cfg, router, clk)

	wantCodes := []Code{Ok, Ok, Ok, OverLimit}
	wantRemaining := []uint32{2, 1, 0, 0}

	for i := 0; i < 4; i++ {
		resp, err := engine.Decide(context.Background(), Request{
			Domain: "db",
			Descriptors: []Descriptor{
				{Entries: []Entry{{Key: "users", Value: "alice"}}},
			},
		})
		require.NoError(t, err)
		require.Len(t, resp.Statuses, 1)
		assert.Equal(t, wantCodes[i], resp.Statuses[0].Code, "request %d", i)
		assert.Equal(t, wantRemaining[i], resp.Statuses[0].LimitRemaining, "request %d", i)
		assert.Equal(t, wantCodes[i], resp.OverallCode, "request %d", i)
	}
}

// S2: nested descriptors resolve to the most specific configured prefix.
func TestScenarioS2NestedMostSpecificWins(t *testing.T) {
	cfg := resolver.Config{
		Domain: "messaging",
		Descriptors: []resolver.Descriptor{
			{
				Key:   "message_type",
				Value: strPtr("marketing"),
				Descriptors: []resolver.Descriptor{
					{
						Key: "to_number",
						RateLimit: &resolver.RateLimit{
							RequestsPerUnit: 1,
							Unit:            "day",
						},
					},
				},
			},
			{
				Key: "message_type",
				RateLimit: &resolver.RateLimit{
					RequestsPerUnit: 1000,
					Unit:            "day",
				},
			},
		},
	}
	clk := clock.NewMock(0)
	router := store.NewPool(store.NewMemory(0))
	engine := newTestEngine(t, cfg, router, clk)

	resp, err := engine.Decide(context.Background(), Request{
		Domain: "messaging",
		Descriptors: []Descriptor{
			{Entries: []Entry{
				{Key: "message_type", Value: "marketing"},
				{Key: "to_number", Value: "+15551234"},
			}},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Statuses[0].CurrentLimit)
	assert.EqualValues(t, 1, resp.Statuses[0].CurrentLimit.RequestsPerUnit)
	assert.Equal(t, Ok, resp.Statuses[0].Code)
	assert.EqualValues(t, 0, resp.Statuses[0].LimitRemaining)

	// A second request against the same nested path is now over limit.
	resp, err = engine.Decide(context.Background(), Request{
		Domain: "messaging",
		Descriptors: []Descriptor{
			{Entries: []Entry{
				{Key: "message_type", Value: "marketing"},
				{Key: "to_number", Value: "+15551234"},
			}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, OverLimit, resp.Statuses[0].Code)
}

// S3: shadow mode increments the counter and goes over limit, but the
// returned code is always Ok and the descriptor never lands in the
// near-cache.
func TestScenarioS3ShadowMode(t *testing.T) {
	cfg := resolver.Config{
		Domain: "db",
		Descriptors: []resolver.Descriptor{
			{
				Key:        "users",
				Value:      strPtr("alice"),
				ShadowMode: boolPtr(true),
				RateLimit: &resolver.RateLimit{
					RequestsPerUnit: 1,
					Unit:            "second",
				},
			},
		},
	}
	clk := clock.NewMock(1000)
	nc, err := nearcache.New(nearcache.Config{})
	require.NoError(t, err)
	defer nc.Close()

	router := store.NewPool(store.NewMemory(0))
	engine := newTestEngine(t, cfg, router, clk, WithNearCache(nc))

	req := Request{
		Domain:      "db",
		Descriptors: []Descriptor{{Entries: []Entry{{Key: "users", Value: "alice"}}}},
	}

	for i := 0; i < 5; i++ {
		resp, err := engine.Decide(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, Ok, resp.Statuses[0].Code, "shadow mode never returns OverLimit, request %d", i)
		assert.Equal(t, Ok, resp.OverallCode)
	}
}

// S4: an unlimited descriptor always passes and never touches the
// store, even after many requests.
func TestScenarioS4Unlimited(t *testing.T) {
	cfg := resolver.Config{
		Domain: "db",
		Descriptors: []resolver.Descriptor{
			{
				Key:   "service",
				Value: strPtr("health"),
				RateLimit: &resolver.RateLimit{
					RequestsPerUnit: 0,
					Unit:            "second",
					Unlimited:       boolPtr(true),
				},
			},
		},
	}
	clk := clock.NewMock(0)
	mem := store.NewMemory(0)
	router := store.NewPool(mem)
	engine := newTestEngine(t, cfg, router, clk)

	req := Request{
		Domain:      "db",
		Descriptors: []Descriptor{{Entries: []Entry{{Key: "service", Value: "health"}}}},
	}

	for i := 0; i < 1000; i++ {
		resp, err := engine.Decide(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, Ok, resp.Statuses[0].Code)
		assert.EqualValues(t, ^uint32(0), resp.Statuses[0].LimitRemaining)
	}

	// A zero-increment probe of the descriptor's key reads its counter
	// without moving it: it must still be at zero.
	results, err := mem.PipelineIncrement(context.Background(), []store.Op{
		{Key: "db:service_health:0", Increment: 0, TTL: time.Second},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 0, results[0], "an unlimited descriptor must never be counted in the store")
}

// S5: per-second limits route to the dedicated per-second store while
// every other unit routes to the primary store.
func TestScenarioS5DualStoreRouting(t *testing.T) {
	cfg := resolver.Config{
		Domain: "db",
		Descriptors: []resolver.Descriptor{
			{
				Key:   "fast",
				Value: strPtr("x"),
				RateLimit: &resolver.RateLimit{
					RequestsPerUnit: 10,
					Unit:            "second",
				},
			},
			{
				Key:   "slow",
				Value: strPtr("x"),
				RateLimit: &resolver.RateLimit{
					RequestsPerUnit: 10,
					Unit:            "hour",
				},
			},
		},
	}
	clk := clock.NewMock(0)
	primary := store.NewMemory(0)
	perSecond := store.NewMemory(0)
	router := store.NewDualPool(primary, perSecond)
	engine := newTestEngine(t, cfg, router, clk)

	_, err := engine.Decide(context.Background(), Request{
		Domain: "db",
		Descriptors: []Descriptor{
			{Entries: []Entry{{Key: "fast", Value: "x"}}},
			{Entries: []Entry{{Key: "slow", Value: "x"}}},
		},
	})
	require.NoError(t, err)

	// The per-second descriptor's key must have landed in the dedicated
	// per-second store, not the primary, and vice versa.
	results, err := perSecond.PipelineIncrement(context.Background(), []store.Op{
		{Key: "db:fast_x:0", Increment: 0, TTL: time.Second},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, results[0], "fast descriptor's prior hit must already be counted in the per-second store")

	results, err = primary.PipelineIncrement(context.Background(), []store.Op{
		{Key: "db:slow_x:0", Increment: 0, TTL: time.Second},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, results[0], "slow descriptor's prior hit must already be counted in the primary store")
}

// Dispatching against both the per-second and aggregate sub-batches
// must report one store-operation observation per sub-batch, labeled
// by which one it was, on the attached Metrics instance.
func TestDispatchRecordsStoreOperationMetrics(t *testing.T) {
	cfg := resolver.Config{
		Domain: "db",
		Descriptors: []resolver.Descriptor{
			{
				Key:   "fast",
				Value: strPtr("x"),
				RateLimit: &resolver.RateLimit{
					RequestsPerUnit: 10,
					Unit:            "second",
				},
			},
			{
				Key:   "slow",
				Value: strPtr("x"),
				RateLimit: &resolver.RateLimit{
					RequestsPerUnit: 10,
					Unit:            "hour",
				},
			},
		},
	}
	clk := clock.NewMock(0)
	router := store.NewDualPool(store.NewMemory(0), store.NewMemory(0))
	met := metrics.New()
	engine := newTestEngine(t, cfg, router, clk, WithMetrics(met))

	_, err := engine.Decide(context.Background(), Request{
		Domain: "db",
		Descriptors: []Descriptor{
			{Entries: []Entry{{Key: "fast", Value: "x"}}},
			{Entries: []Entry{{Key: "slow", Value: "x"}}},
		},
	})
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(met.Registry(), "ratelimit_store_operations")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one observation for the per-second sub-batch and one for the aggregate sub-batch")

	durationCount, err := testutil.GatherAndCount(met.Registry(), "ratelimit_store_operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, durationCount)
}

// S6: window rotation. Requests 1 and 2 land in the same window, but
// after advancing the mock clock past the unit boundary, the counter
// resets.
func TestScenarioS6WindowRotation(t *testing.T) {
	cfg := resolver.Config{
		Domain: "db",
		Descriptors: []resolver.Descriptor{
			{
				Key:   "users",
				Value: strPtr("alice"),
				RateLimit: &resolver.RateLimit{
					RequestsPerUnit: 1,
					Unit:            "second",
				},
			},
		},
	}
	clk := clock.NewMock(100)
	router := store.NewPool(store.NewMemory(0))
	engine := newTestEngine(t, cfg, router, clk)

	req := Request{
		Domain:      "db",
		Descriptors: []Descriptor{{Entries: []Entry{{Key: "users", Value: "alice"}}}},
	}

	resp, err := engine.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Ok, resp.Statuses[0].Code)

	resp, err = engine.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OverLimit, resp.Statuses[0].Code, "second request in the same window must be over the 1/second limit")

	clk.Advance(time.Second)

	resp, err = engine.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Ok, resp.Statuses[0].Code, "a new window must reset the counter")
	assert.EqualValues(t, 0, resp.Statuses[0].LimitRemaining)
}

func TestDecideRejectsEmptyDomain(t *testing.T) {
	cfg := resolver.Config{Domain: "db"}
	clk := clock.NewMock(0)
	router := store.NewPool(store.NewMemory(0))
	engine := newTestEngine(t, cfg, router, clk)

	_, err := engine.Decide(context.Background(), Request{Descriptors: []Descriptor{{Entries: []Entry{{Key: "a"}}}}})
	assert.ErrorIs(t, err, ErrEmptyDomain)
}

func TestDecideRejectsEmptyDescriptors(t *testing.T) {
	cfg := resolver.Config{Domain: "db"}
	clk := clock.NewMock(0)
	router := store.NewPool(store.NewMemory(0))
	engine := newTestEngine(t, cfg, router, clk)

	_, err := engine.Decide(context.Background(), Request{Domain: "db"})
	assert.ErrorIs(t, err, ErrEmptyDescriptors)
}

func TestDecideUnknownDomain(t *testing.T) {
	cfg := resolver.Config{Domain: "db"}
	clk := clock.NewMock(0)
	router := store.NewPool(store.NewMemory(0))
	engine := newTestEngine(t, cfg, router, clk)

	_, err := engine.Decide(context.Background(), Request{
		Domain:      "unknown",
		Descriptors: []Descriptor{{Entries: []Entry{{Key: "a"}}}},
	})
	var notFound *DomainNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestDecideUnconfiguredDescriptorAlwaysOk(t *testing.T) {
	cfg := resolver.Config{Domain: "db"}
	clk := clock.NewMock(0)
	router := store.NewPool(store.NewMemory(0))
	engine := newTestEngine(t, cfg, router, clk)

	resp, err := engine.Decide(context.Background(), Request{
		Domain:      "db",
		Descriptors: []Descriptor{{Entries: []Entry{{Key: "unconfigured", Value: "x"}}}},
	})
	require.NoError(t, err)
	assert.Equal(t, Ok, resp.Statuses[0].Code)
	assert.Nil(t, resp.Statuses[0].CurrentLimit)
}

// Invariant: limit_remaining + min(n, requests_per_unit) == requests_per_unit.
func TestInvariantRemainingPlusCountEqualsLimit(t *testing.T) {
	cfg := resolver.Config{
		Domain: "db",
		Descriptors: []resolver.Descriptor{
			{
				Key:   "users",
				Value: strPtr("alice"),
				RateLimit: &resolver.RateLimit{
					RequestsPerUnit: 5,
					Unit:            "minute",
				},
			},
		},
	}
	clk := clock.NewMock(0)
	router := store.NewPool(store.NewMemory(0))
	engine := newTestEngine(t, cfg, router, clk)

	req := Request{
		Domain:      "db",
		Descriptors: []Descriptor{{Entries: []Entry{{Key: "users", Value: "alice"}}}},
	}

	for n := uint64(1); n <= 8; n++ {
		resp, err := engine.Decide(context.Background(), req)
		require.NoError(t, err)

		requestsPerUnit := uint64(resp.Statuses[0].CurrentLimit.RequestsPerUnit)
		minNLimit := n
		if minNLimit > requestsPerUnit {
			minNLimit = requestsPerUnit
		}
		assert.EqualValues(t, requestsPerUnit, uint64(resp.Statuses[0].LimitRemaining)+minNLimit, "n=%d", n)
	}
}

// Invariant: 0 < duration_until_reset_secs <= unit.seconds.
func TestInvariantResetWithinUnitBounds(t *testing.T) {
	cfg := resolver.Config{
		Domain: "db",
		Descriptors: []resolver.Descriptor{
			{
				Key:   "users",
				Value: strPtr("alice"),
				RateLimit: &resolver.RateLimit{
					RequestsPerUnit: 100,
					Unit:            "minute",
				},
			},
		},
	}
	clk := clock.NewMock(59)
	router := store.NewPool(store.NewMemory(0))
	engine := newTestEngine(t, cfg, router, clk)

	resp, err := engine.Decide(context.Background(), Request{
		Domain:      "db",
		Descriptors: []Descriptor{{Entries: []Entry{{Key: "users", Value: "alice"}}}},
	})
	require.NoError(t, err)
	assert.Greater(t, resp.Statuses[0].DurationUntilResetSecs, uint64(0))
	assert.LessOrEqual(t, resp.Statuses[0].DurationUntilResetSecs, uint64(60))
}

// Invariant: overall_code is OverLimit iff some non-shadow-mode status is
// OverLimit.
func TestInvariantOverallCodeReflectsNonShadowStatuses(t *testing.T) {
	cfg := resolver.Config{
		Domain: "db",
		Descriptors: []resolver.Descriptor{
			{
				Key:        "shadowed",
				Value:      strPtr("x"),
				ShadowMode: boolPtr(true),
				RateLimit:  &resolver.RateLimit{RequestsPerUnit: 0, Unit: "second"},
			},
			{
				Key:       "normal",
				Value:     strPtr("x"),
				RateLimit: &resolver.RateLimit{RequestsPerUnit: 1, Unit: "second"},
			},
		},
	}
	clk := clock.NewMock(0)
	router := store.NewPool(store.NewMemory(0))
	engine := newTestEngine(t, cfg, router, clk)

	req := Request{
		Domain: "db",
		Descriptors: []Descriptor{
			{Entries: []Entry{{Key: "shadowed", Value: "x"}}},
			{Entries: []Entry{{Key: "normal", Value: "x"}}},
		},
	}

	resp, err := engine.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Ok, resp.Statuses[0].Code, "shadow mode descriptor reports Ok even though it is over limit")
	assert.Equal(t, Ok, resp.Statuses[1].Code)
	assert.Equal(t, Ok, resp.OverallCode)

	resp, err = engine.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Ok, resp.Statuses[0].Code, "shadow mode descriptor still reports Ok")
	assert.Equal(t, OverLimit, resp.Statuses[1].Code)
	assert.Equal(t, OverLimit, resp.OverallCode, "overall code follows the non-shadow descriptor going over limit")
}

// Back-to-back identical requests within one window accumulate 1, 2 —
// never 1, 1 (no double counting) and never 2, 4 (no double increment).
func TestBackToBackRequestsCountOnceEach(t *testing.T) {
	cfg := resolver.Config{
		Domain: "db",
		Descriptors: []resolver.Descriptor{
			{
				Key:   "users",
				Value: strPtr("alice"),
				RateLimit: &resolver.RateLimit{
					RequestsPerUnit: 10,
					Unit:            "second",
				},
			},
		},
	}
	clk := clock.NewMock(0)
	router := store.NewPool(store.NewMemory(0))
	engine := newTestEngine(t, cfg, router, clk)

	req := Request{
		Domain:      "db",
		Descriptors: []Descriptor{{Entries: []Entry{{Key: "users", Value: "alice"}}}},
	}

	resp1, err := engine.Decide(context.Background(), req)
	require.NoError(t, err)
	resp2, err := engine.Decide(context.Background(), req)
	require.NoError(t, err)

	assert.EqualValues(t, 9, resp1.Statuses[0].LimitRemaining)
	assert.EqualValues(t, 8, resp2.Statuses[0].LimitRemaining)
}

func TestResolverDeterminism(t *testing.T) {
	cfg := resolver.Config{
		Domain: "db",
		Descriptors: []resolver.Descriptor{
			{Key: "users", Value: strPtr("alice"), RateLimit: &resolver.RateLimit{RequestsPerUnit: 3, Unit: "second"}},
		},
	}
	clk := clock.NewMock(0)
	router := store.NewPool(store.NewMemory(0))
	engine := newTestEngine(t, cfg, router, clk)

	entries := []Entry{{Key: "users", Value: "alice"}}
	var first *Limit
	for i := 0; i < 10; i++ {
		resp, err := engine.Decide(context.Background(), Request{
			Domain:      "db",
			Descriptors: []Descriptor{{Entries: entries}},
		})
		require.NoError(t, err)
		if first == nil {
			first = resp.Statuses[0].CurrentLimit
			continue
		}
		assert.Equal(t, *first, *resp.Statuses[0].CurrentLimit)
	}
}

func TestHitsAddendZeroTreatedAsOne(t *testing.T) {
	cfg := resolver.Config{
		Domain: "db",
		Descriptors: []resolver.Descriptor{
			{Key: "users", Value: strPtr("alice"), RateLimit: &resolver.RateLimit{RequestsPerUnit: 5, Unit: "second"}},
		},
	}
	clk := clock.NewMock(0)
	router := store.NewPool(store.NewMemory(0))
	engine := newTestEngine(t, cfg, router, clk)

	resp, err := engine.Decide(context.Background(), Request{
		Domain:      "db",
		Descriptors: []Descriptor{{Entries: []Entry{{Key: "users", Value: "alice"}}}},
		HitsAddend:  0,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 4, resp.Statuses[0].LimitRemaining)
}

func TestNearCacheShortCircuitsStore(t *testing.T) {
	cfg := resolver.Config{
		Domain: "db",
		Descriptors: []resolver.Descriptor{
			{Key: "users", Value: strPtr("alice"), RateLimit: &resolver.RateLimit{RequestsPerUnit: 1, Unit: "minute"}},
		},
	}
	clk := clock.NewMock(0)
	nc, err := nearcache.New(nearcache.Config{})
	require.NoError(t, err)
	defer nc.Close()

	mem := store.NewMemory(0)
	router := store.NewPool(mem)
	engine := newTestEngine(t, cfg, router, clk, WithNearCache(nc))

	req := Request{
		Domain:      "db",
		Descriptors: []Descriptor{{Entries: []Entry{{Key: "users", Value: "alice"}}}},
	}

	_, err = engine.Decide(context.Background(), req)
	require.NoError(t, err)
	resp, err := engine.Decide(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, OverLimit, resp.Statuses[0].Code)

	before, err := mem.PipelineIncrement(context.Background(), []store.Op{{Key: "db:users_alice:0", Increment: 0, TTL: time.Minute}})
	require.NoError(t, err)

	// The near-cache's admission is processed asynchronously; give it a
	// moment to settle before relying on it below.
	time.Sleep(50 * time.Millisecond)

	// A third request must be served from the near-cache, not the store:
	// the counter must not move.
	resp, err = engine.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OverLimit, resp.Statuses[0].Code)

	after, err := mem.PipelineIncrement(context.Background(), []store.Op{{Key: "db:users_alice:0", Increment: 0, TTL: time.Minute}})
	require.NoError(t, err)
	assert.Equal(t, before[0], after[0], "a near-cache hit must not touch the store, so the counter is unchanged across the probes")
}

func TestHealthCheckDelegatesToRouter(t *testing.T) {
	cfg := resolver.Config{Domain: "db"}
	clk := clock.NewMock(0)
	router := store.NewPool(store.NewMemory(0))
	engine := newTestEngine(t, cfg, router, clk)

	assert.NoError(t, engine.HealthCheck(context.Background()))
}

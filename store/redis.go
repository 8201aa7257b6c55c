package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config configures one Redis connection used as a counter backend.
type Config struct {
	URL string
	// PoolSize is the number of connections go-redis keeps open to this
	// address; zero uses the client's own default.
	PoolSize int
	// ConnectTimeout bounds establishing the connection. Default 5s.
	ConnectTimeout time.Duration
	// CommandTimeout bounds every command issued against the
	// connection, including the health-check PING. Default 1s.
	CommandTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = time.Second
	}
	return c
}

// Redis is a Store backed by one Redis connection. Every PipelineIncrement
// call is issued as a single pipelined round trip: an INCRBY followed by
// an EXPIRE for each key, all flushed together, so the batch is atomic
// at the transport level even though it isn't wrapped in MULTI/EXEC —
// matching the "batched, not necessarily transactional" contract of
// §4.2.
type Redis struct {
	client *redis.Client
	cfg    Config
}

// NewRedis dials a single Redis connection. The connection is tested
// with a PING bounded by cfg.ConnectTimeout before NewRedis returns.
func NewRedis(ctx context.Context, cfg Config) (*Redis, error) {
	cfg = cfg.withDefaults()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, &Error{Msg: "parsing redis url", Err: err}
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(connectCtx).Err(); err != nil {
		_ = client.Close()
		return nil, &Error{Msg: "connecting to redis", Err: err}
	}

	return &Redis{client: client, cfg: cfg}, nil
}

// PipelineIncrement runs one INCRBY+EXPIRE pair per op through a single
// go-redis pipeline and returns the post-increment counts in input order.
func (r *Redis) PipelineIncrement(ctx context.Context, ops []Op) ([]uint64, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()

	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(ops))
	for i, op := range ops {
		if op.TTL <= 0 {
			return nil, &Error{Msg: "ttl must be positive"}
		}
		cmds[i] = pipe.IncrBy(ctx, op.Key, int64(op.Increment))
		pipe.Expire(ctx, op.Key, op.TTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &Error{Msg: "pipeline exec", Err: err}
	}

	results := make([]uint64, len(ops))
	for i, cmd := range cmds {
		v, err := cmd.Result()
		if err != nil {
			return nil, &Error{Msg: "reading incrby result", Err: err}
		}
		results[i] = uint64(v)
	}
	return results, nil
}

// HealthCheck pings the connection, bounded by the configured command
// timeout.
func (r *Redis) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return &Error{Msg: "health check", Err: err}
	}
	return nil
}

// Close closes the underlying connection.
func (r *Redis) Close() error { return r.client.Close() }

// Pool holds a primary Store plus an optional dedicated per-second
// Store, matching the original implementation's RedisClientPool: this
// isolates high-frequency per-second traffic onto its own connection so
// it doesn't compete with (or get held back by) replication/persistence
// tuning chosen for longer-window traffic.
type Pool struct {
	primary   Store
	perSecond Store // nil if no dedicated per-second connection is configured
}

// NewPool builds a Pool with only a primary store.
func NewPool(primary Store) *Pool {
	return &Pool{primary: primary}
}

// NewDualPool builds a Pool with a dedicated per-second store in
// addition to the primary.
func NewDualPool(primary, perSecond Store) *Pool {
	return &Pool{primary: primary, perSecond: perSecond}
}

// Get returns the store that should serve ops for the given unit:
// the per-second store when one is configured and isPerSecond is true,
// the primary store otherwise.
func (p *Pool) Get(isPerSecond bool) Store {
	if isPerSecond && p.perSecond != nil {
		return p.perSecond
	}
	return p.primary
}

// HealthCheck checks every configured connection; it fails if any one
// of them does.
func (p *Pool) HealthCheck(ctx context.Context) error {
	if err := p.primary.HealthCheck(ctx); err != nil {
		return err
	}
	if p.perSecond != nil {
		return p.perSecond.HealthCheck(ctx)
	}
	return nil
}

// Close closes every configured connection.
func (p *Pool) Close() error {
	if err := p.primary.Close(); err != nil {
		return err
	}
	if p.perSecond != nil {
		return p.perSecond.Close()
	}
	return nil
}

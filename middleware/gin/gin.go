// Package gin provides a Gin middleware adapter for
// github.com/ratelimitd/ratelimitd.
//
// Example usage:
//
//	engine := ratelimitd.NewEngine(snapshots, router, clock.New())
//	r := gin.Default()
//	r.Use(ratelimitgin.RateLimiter(engine, "web"))
package gin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	rl "github.com/ratelimitd/ratelimitd"
)

// DescriptorFunc builds the descriptor entries to evaluate for an
// incoming request.
type DescriptorFunc func(c *gin.Context) ([]rl.Entry, error)

// ByClientIP is the default DescriptorFunc: one entry, keyed
// "remote_address", valued at gin's resolved client IP.
func ByClientIP(c *gin.Context) ([]rl.Entry, error) {
	return []rl.Entry{{Key: "remote_address", Value: c.ClientIP()}}, nil
}

// ErrorHandler controls the response written when a request is denied
// or the engine itself fails.
type ErrorHandler func(c *gin.Context, err error)

func defaultErrorHandler(c *gin.Context, err error) {
	if err == ErrRateLimited {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}
	c.AbortWithStatus(http.StatusInternalServerError)
}

// ErrRateLimited is passed to the ErrorHandler when the descriptor
// evaluated OverLimit, as opposed to a genuine engine failure.
var ErrRateLimited = rlError("rate limit exceeded")

type rlError string

func (e rlError) Error() string { return string(e) }

// Logger is the logging seam the middleware reports through.
type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Errorf(string, ...interface{}) {}

// Option configures the middleware.
type Option func(*config)

type config struct {
	descriptorFunc DescriptorFunc
	errorHandler   ErrorHandler
	logger         Logger
}

// WithDescriptorFunc overrides how the descriptor is built from a
// request. Defaults to ByClientIP.
func WithDescriptorFunc(f DescriptorFunc) Option {
	return func(c *config) {
		if f != nil {
			c.descriptorFunc = f
		}
	}
}

// WithErrorHandler overrides the response written on denial or
// failure.
func WithErrorHandler(f ErrorHandler) Option {
	return func(c *config) {
		if f != nil {
			c.errorHandler = f
		}
	}
}

// WithLogger overrides the middleware's logger. Defaults to a no-op.
func WithLogger(l Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// RateLimiter returns a Gin middleware handler that evaluates one
// descriptor per request, built by DescriptorFunc, against domain in
// engine.
//
// Headers set on allow and deny alike, whenever a limit was resolved:
//
//   - X-RateLimit-Limit
//   - X-RateLimit-Remaining
//   - X-RateLimit-Reset
func RateLimiter(engine *rl.Engine, domain string, opts ...Option) gin.HandlerFunc {
	cfg := &config{
		descriptorFunc: ByClientIP,
		errorHandler:   defaultErrorHandler,
		logger:         noopLogger{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		entries, err := cfg.descriptorFunc(c)
		if err != nil {
			cfg.logger.Errorf("[ratelimitd] failed to build descriptor: %v", err)
			cfg.errorHandler(c, err)
			return
		}

		resp, err := engine.Decide(c.Request.Context(), rl.Request{
			Domain:      domain,
			Descriptors: []rl.Descriptor{{Entries: entries}},
			HitsAddend:  1,
		})
		if err != nil {
			cfg.logger.Errorf("[ratelimitd] decide failed: %v", err)
			cfg.errorHandler(c, err)
			return
		}

		status := resp.Statuses[0]
		if status.CurrentLimit != nil {
			c.Header("X-RateLimit-Limit", strconv.FormatUint(uint64(status.CurrentLimit.RequestsPerUnit), 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatUint(uint64(status.LimitRemaining), 10))
			c.Header("X-RateLimit-Reset", strconv.FormatUint(status.DurationUntilResetSecs, 10))
		}

		if status.Code == rl.OverLimit {
			cfg.logger.Debugf("[ratelimitd] denied descriptor %v in domain %q", entries, domain)
			cfg.errorHandler(c, ErrRateLimited)
			return
		}

		cfg.logger.Debugf("[ratelimitd] allowed descriptor %v in domain %q, remaining %d", entries, domain, status.LimitRemaining)
		c.Next()
	}
}

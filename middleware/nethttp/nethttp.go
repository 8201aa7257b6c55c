// Package nethttp provides a net/http middleware that enforces a rate
// limit decision per request using github.com/ratelimitd/ratelimitd.
//
// Unlike the engine's own Request type, which can carry many
// independent descriptors, the middleware evaluates exactly one
// descriptor per request — the one DescriptorFunc builds from it — and
// blocks with 429 when that descriptor comes back OverLimit.
//
// Example usage:
//
//	engine := ratelimitd.NewEngine(snapshots, router, clock.New())
//	mw := nethttp.Middleware(engine, "web", nethttp.WithDescriptorFunc(nethttp.ByRemoteAddr))
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/", handler)
//	http.ListenAndServe(":8080", mw(mux))
package nethttp

import (
	"net/http"
	"strconv"

	rl "github.com/ratelimitd/ratelimitd"
)

// DescriptorFunc builds the descriptor entries to evaluate for an
// incoming request.
type DescriptorFunc func(r *http.Request) ([]rl.Entry, error)

// ByRemoteAddr is the default DescriptorFunc: one entry, keyed
// "remote_address", valued at r.RemoteAddr.
func ByRemoteAddr(r *http.Request) ([]rl.Entry, error) {
	return []rl.Entry{{Key: "remote_address", Value: r.RemoteAddr}}, nil
}

// ErrorHandler controls the response written when a request is denied
// or the engine itself fails.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

func defaultErrorHandler(w http.ResponseWriter, _ *http.Request, err error) {
	if err == ErrRateLimited {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
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
// request. Defaults to ByRemoteAddr.
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

// Middleware returns a net/http middleware that evaluates one
// descriptor per request, built by DescriptorFunc, against domain in
// engine. Headers X-RateLimit-Limit, X-RateLimit-Remaining, and
// X-RateLimit-Reset are set from the resulting status whenever a limit
// was resolved.
func Middleware(engine *rl.Engine, domain string, opts ...Option) func(http.Handler) http.Handler {
	cfg := &config{
		descriptorFunc: ByRemoteAddr,
		errorHandler:   defaultErrorHandler,
		logger:         noopLogger{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entries, err := cfg.descriptorFunc(r)
			if err != nil {
				cfg.logger.Errorf("[ratelimitd] failed to build descriptor: %v", err)
				cfg.errorHandler(w, r, err)
				return
			}

			resp, err := engine.Decide(r.Context(), rl.Request{
				Domain:      domain,
				Descriptors: []rl.Descriptor{{Entries: entries}},
				HitsAddend:  1,
			})
			if err != nil {
				cfg.logger.Errorf("[ratelimitd] decide failed: %v", err)
				cfg.errorHandler(w, r, err)
				return
			}

			status := resp.Statuses[0]
			if status.CurrentLimit != nil {
				w.Header().Set("X-RateLimit-Limit", strconv.FormatUint(uint64(status.CurrentLimit.RequestsPerUnit), 10))
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatUint(uint64(status.LimitRemaining), 10))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatUint(status.DurationUntilResetSecs, 10))
			}

			if status.Code == rl.OverLimit {
				cfg.logger.Debugf("[ratelimitd] denied descriptor %v in domain %q", entries, domain)
				cfg.errorHandler(w, r, ErrRateLimited)
				return
			}

			cfg.logger.Debugf("[ratelimitd] allowed descriptor %v in domain %q, remaining %d", entries, domain, status.LimitRemaining)
			next.ServeHTTP(w, r)
		})
	}
}

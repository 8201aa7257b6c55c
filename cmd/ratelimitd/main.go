// Command ratelimitd runs the rate-limit decision service: it loads
// domain configuration from CONFIG_PATH, dials Redis (optionally a
// dedicated per-second connection), and serves the decision RPC,
// liveness probe, and metrics exposition over HTTP.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	rl "github.com/ratelimitd/ratelimitd"
	"github.com/ratelimitd/ratelimitd/internal/clock"
	"github.com/ratelimitd/ratelimitd/metrics"
	"github.com/ratelimitd/ratelimitd/nearcache"
	"github.com/ratelimitd/ratelimitd/resolver"
	"github.com/ratelimitd/ratelimitd/server"
	"github.com/ratelimitd/ratelimitd/store"
)

// sugaredLogger adapts zap to logging.Logger. It is kept local to this
// command rather than pulled from adapters/zap: that adapter is its own
// module, published for callers who want a zap-backed logging.Logger
// without taking this module's other dependencies, whereas this binary
// already depends on zap directly.
type sugaredLogger struct {
	s *zap.SugaredLogger
}

func newSugaredLogger(l *zap.Logger) sugaredLogger {
	return sugaredLogger{s: l.Sugar()}
}

func (l sugaredLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l sugaredLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }

func main() {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	logger := newSugaredLogger(zapLogger)

	logger.Debugf("starting rate limit decision service")

	met := metrics.New()

	ctx := context.Background()

	router, err := buildStoreRouter(ctx, met)
	if err != nil {
		zapLogger.Fatal("failed to build store router", zap.Error(err))
	}
	defer func() { _ = router.Close() }()

	nc, err := nearcache.New(nearcache.Config{MaxCost: localCacheSize()})
	if err != nil {
		zapLogger.Fatal("failed to build near-cache", zap.Error(err))
	}
	defer nc.Close()

	domains := map[string]*resolver.Compiled{}
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		loaded, err := resolver.LoadDir(configPath)
		if err != nil {
			met.RecordConfigLoadError()
			zapLogger.Fatal("failed to load configuration", zap.String("path", configPath), zap.Error(err))
		}
		domains = loaded
		met.RecordConfigLoadSuccess()
		logger.Debugf("loaded %d domain(s) from %s", len(domains), configPath)
	}
	snapshots := rl.NewSnapshotManager(domains)

	engine := rl.NewEngine(snapshots, router, clock.New(),
		rl.WithLogger(logger),
		rl.WithMetrics(met),
		rl.WithNearCache(nc),
		rl.WithCacheKeyPrefix(os.Getenv("CACHE_KEY_PREFIX")),
		rl.WithNearLimitRatio(nearLimitRatio()),
	)

	svc := server.New(engine, server.WithMetrics(met))
	httpRouter := server.NewRouter(svc, met.Registry())

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = "0.0.0.0:8080"
	}
	httpServer := &http.Server{Addr: addr, Handler: httpRouter}

	go func() {
		logger.Debugf("http server listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Error("http server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Debugf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("http server shutdown error", zap.Error(err))
	}
}

func buildStoreRouter(ctx context.Context, met *metrics.Metrics) (*store.Pool, error) {
	primaryURL := os.Getenv("REDIS_URL")
	if primaryURL == "" {
		primaryURL = "redis://localhost:6379"
	}
	primary, err := store.NewRedis(ctx, store.Config{URL: primaryURL})
	if err != nil {
		return nil, err
	}
	met.SetStoreConnectionsActive("primary", 1)

	perSecondURL := os.Getenv("REDIS_PERSECOND_URL")
	if perSecondURL == "" {
		met.SetStoreConnectionsActive("per_second", 0)
		return store.NewPool(primary), nil
	}

	perSecond, err := store.NewRedis(ctx, store.Config{URL: perSecondURL})
	if err != nil {
		_ = primary.Close()
		return nil, err
	}
	met.SetStoreConnectionsActive("per_second", 1)
	return store.NewDualPool(primary, perSecond), nil
}

func localCacheSize() int64 {
	v := os.Getenv("LOCAL_CACHE_SIZE")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func nearLimitRatio() float32 {
	v := os.Getenv("NEAR_LIMIT_RATIO")
	if v == "" {
		return 0.8
	}
	n, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return 0.8
	}
	return float32(n)
}

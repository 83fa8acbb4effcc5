package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"guard-gateway/middleware/ratelimit"
	"guard-gateway/middleware/ratelimit/application"
	"guard-gateway/middleware/ratelimit/domain"
	"guard-gateway/middleware/ratelimit/infra"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := newLogger(cfg.logLevel, cfg.logFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway stopped", zap.Error(err))
	}
}

func run(cfg config, logger *zap.Logger) error {
	target, err := url.Parse(cfg.upstreamURL)
	if err != nil {
		return fmt.Errorf("invalid UPSTREAM_URL: %w", err)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	registry, err := domain.NewRegistry(cfg.policies...)
	if err != nil {
		return err
	}
	allow, err := ratelimit.ParseAllowlist(cfg.allowlist)
	if err != nil {
		return fmt.Errorf("WHITELISTED_IPS: %w", err)
	}

	store, sink, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := infra.NewMetrics(reg)

	dispatcher := &application.Dispatcher{
		Sink:           sink,
		Pool:           infra.NewChanPool(cfg.eventWorkers),
		AcquireTimeout: cfg.eventAcquireTimeout,
		Recorder:       metrics,
		Logger:         logger,
	}
	defer dispatcher.Wait()

	guard, err := application.NewGuard(application.GuardOptions{
		Store:               store,
		Events:              dispatcher,
		Recorder:            metrics,
		Logger:              logger,
		StoreTimeout:        cfg.storeTimeout,
		AdaptiveThreshold:   cfg.adaptiveThreshold,
		SuspiciousThreshold: cfg.suspiciousThreshold,
		BlockThreshold:      cfg.blockThreshold,
		BlockDuration:       cfg.blockDuration,
		OverrideTTL:         cfg.overrideTTL,
		ViolationTTL:        cfg.violationTTL,
		Allowlist:           allow.Contains,
	})
	if err != nil {
		return err
	}

	admin := &application.Admin{Store: store, Events: dispatcher, Reader: sink, Logger: logger}

	h, err := newRouter(routerDeps{
		cfg:      cfg,
		guard:    guard,
		registry: registry,
		admin:    admin,
		store:    store,
		gatherer: reg,
		upstream: proxy,
		logger:   logger,
	})
	if err != nil {
		return err
	}
	srv := newServer(cfg.listenAddr, h)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening",
			zap.String("addr", cfg.listenAddr),
			zap.String("upstream", target.String()),
			zap.String("store", cfg.storeBackend),
			zap.Strings("policies", registry.Names()),
			zap.Int("allowlist", allow.Len()),
			zap.Bool("admin", cfg.adminToken != ""),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		j := &application.Janitor{Store: store, Interval: cfg.janitorInterval, Logger: logger}
		return j.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore escolhe o backend de estado. Redis fora do ar no boot não é fatal:
// o guard degrada para permitir até a conexão voltar.
func openStore(cfg config, logger *zap.Logger) (domain.Store, eventStore, func(), error) {
	switch cfg.storeBackend {
	case "memory":
		logger.Warn("using in-memory store: state is per process")
		return infra.NewMemoryStore(), infra.NewMemoryEventSink(infra.WithRetention(cfg.eventRetention)), func() {}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis ping failed, starting degraded", zap.String("addr", cfg.redisAddr), zap.Error(err))
		}
		store := infra.NewRedisStore(rdb, infra.WithKeyPrefix(cfg.redisPrefix))
		sink := infra.NewRedisEventSink(rdb,
			infra.WithEventsPrefix(cfg.redisPrefix+":events"),
			infra.WithEventsRetention(cfg.eventRetention),
		)
		return store, sink, func() { _ = store.Close() }, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.storeBackend)
}

type eventStore interface {
	domain.EventSink
	domain.EventReader
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	if format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"guard-gateway/middleware/ratelimit"
	"guard-gateway/middleware/ratelimit/application"
	"guard-gateway/middleware/ratelimit/domain"
	"guard-gateway/middleware/ratelimit/ginlimit"
	"guard-gateway/middleware/ratelimit/infra"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Exemplo: guard embutido no próprio webserver (sem proxy), estado em memória.
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	store := infra.NewMemoryStore()
	events := infra.NewMemoryEventSink()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	(&application.Janitor{Store: store, Interval: time.Minute, Logger: logger}).Start(ctx)

	reg, err := domain.NewRegistry(domain.DefaultPolicies()...)
	if err != nil {
		logger.Fatal("registry", zap.Error(err))
	}
	guard, err := application.NewGuard(application.GuardOptions{Store: store, Events: events, Logger: logger})
	if err != nil {
		logger.Fatal("guard", zap.Error(err))
	}

	enforcer := func(policy string) *ratelimit.Enforcer {
		e, err := ratelimit.NewEnforcer(ratelimit.Options{
			Guard:              guard,
			Registry:           reg,
			Policy:             policy,
			IdentityHeader:     "X-User-ID", // ou vazio para usar só o IP
			HealthPaths:        []string{"/health"},
			Logger:             logger,
		})
		if err != nil {
			logger.Fatal("enforcer", zap.String("policy", policy), zap.Error(err))
		}
		return e
	}

	var h http.Handler
	if os.Getenv("EXAMPLE_GIN") == "true" {
		h = ginRouter(enforcer)
	} else {
		h = muxRouter(enforcer, store)
	}

	addr := ":8082"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("example server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}

func muxRouter(enforcer func(string) *ratelimit.Enforcer, store ratelimit.Pinger) http.Handler {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux := http.NewServeMux()
	mux.Handle("/health", ratelimit.HealthHandler(store, 0))
	mux.Handle("/api/auth/", enforcer(domain.PolicyAuth).Wrap(ok))
	mux.Handle("/api/", enforcer(domain.PolicyAPI).Wrap(ok))
	mux.Handle("/", enforcer(domain.PolicyGeneral).Wrap(ok))
	return mux
}

func ginRouter(enforcer func(string) *ratelimit.Enforcer) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	ok := func(c *gin.Context) { c.String(http.StatusOK, "ok\n") }

	auth := r.Group("/api/auth", ginlimit.Middleware(enforcer(domain.PolicyAuth)))
	auth.POST("/login", ok)

	api := r.Group("/api", ginlimit.Middleware(enforcer(domain.PolicyAPI), ginlimit.WithIdentityKey("userID")))
	api.GET("/portfolio", ok)

	r.NoRoute(ginlimit.Middleware(enforcer(domain.PolicyGeneral)), ok)
	return r
}

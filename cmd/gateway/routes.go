package main

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"guard-gateway/middleware/ratelimit"
	"guard-gateway/middleware/ratelimit/application"
	"guard-gateway/middleware/ratelimit/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type routerDeps struct {
	cfg      config
	guard    *application.Guard
	registry *domain.Registry
	admin    *application.Admin
	store    ratelimit.Pinger
	gatherer prometheus.Gatherer
	upstream http.Handler
	logger   *zap.Logger
}

// newRouter monta o gateway: endpoints locais (health, metrics, admin) e o
// proxy para o upstream, cada prefixo protegido pela sua política.
func newRouter(d routerDeps) (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", ratelimit.HealthHandler(d.store, d.cfg.storeTimeout))
	if d.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{}))
	}
	if d.cfg.adminToken != "" {
		r.Mount("/admin", ratelimit.AdminRoutes(d.admin, d.cfg.adminToken))
	}

	enforcer := func(policy string) (*ratelimit.Enforcer, error) {
		return ratelimit.NewEnforcer(ratelimit.Options{
			Guard:              d.guard,
			Registry:           d.registry,
			Policy:             policy,
			IdentityHeader:     d.cfg.identityHdr,
			TrustXForwardedFor: d.cfg.trustXFF,
			TrustedProxyHops:   d.cfg.proxyHops,
			HealthPaths:        d.cfg.healthPaths,
			Contact:            d.cfg.securityContact,
			Logger:             d.logger,
		})
	}

	// prefixos mais longos primeiro; chi já escolhe o mais específico, mas a
	// ordem estável deixa o log de boot legível
	routes := append([]policyRoute(nil), d.cfg.policyRoutes...)
	sort.SliceStable(routes, func(i, j int) bool { return len(routes[i].prefix) > len(routes[j].prefix) })

	for _, rt := range routes {
		e, err := enforcer(rt.policy)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rt.prefix, err)
		}
		h := e.Wrap(d.upstream)
		if rt.prefix == "" {
			r.Handle("/*", h)
			continue
		}
		r.Handle(rt.prefix, h)
		r.Handle(rt.prefix+"/*", h)
		d.logger.Info("policy route", zap.String("prefix", rt.prefix), zap.String("policy", rt.policy))
	}

	general, err := enforcer(domain.PolicyGeneral)
	if err != nil {
		return nil, err
	}
	r.NotFound(general.Wrap(d.upstream).ServeHTTP)
	return r, nil
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
}

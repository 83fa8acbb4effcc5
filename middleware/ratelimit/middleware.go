package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"guard-gateway/middleware/ratelimit/application"
	"guard-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

type Options struct {
	Guard    *application.Guard
	Registry *domain.Registry
	// Policy é o nome da política aplicada por este middleware.
	Policy string

	AddressFn      AddressFunc
	IdentityFn     IdentityFunc
	IdentityHeader string

	// TrustXForwardedFor só deve ser ligado atrás de proxy que acrescenta ao
	// X-Forwarded-For; TrustedProxyHops conta quantos (padrão 1).
	TrustXForwardedFor bool
	TrustedProxyHops   int

	// HealthPaths passam direto, sem blocklist nem limite.
	HealthPaths []string
	// Contact vai no corpo do 403 de bloqueio.
	Contact string

	OmitRateLimitHeaders bool
	Logger               *zap.Logger
	Now                  func() time.Time
}

// Enforcer é o Middleware Adapter de uma política: traduz a request para o Guard
// e o Outcome de volta para status/headers/corpo.
type Enforcer struct {
	opts   Options
	policy domain.Policy
	logger *zap.Logger
}

// NewEnforcer resolve a política no Registry; política desconhecida é erro de
// configuração (deve aparecer no boot, não em runtime).
func NewEnforcer(opts Options) (*Enforcer, error) {
	if opts.Guard == nil {
		return nil, errors.New("ratelimit: guard is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("ratelimit: registry is required")
	}
	policy, err := opts.Registry.Lookup(opts.Policy)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: %w", err)
	}
	if opts.AddressFn == nil {
		hops := 0
		if opts.TrustXForwardedFor {
			hops = max(opts.TrustedProxyHops, 1)
		}
		opts.AddressFn = ClientIPBehindProxies(hops)
	}
	if opts.IdentityFn == nil {
		opts.IdentityFn = DefaultIdentityFunc(opts.IdentityHeader)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{opts: opts, policy: policy, logger: logger}, nil
}

// Middleware monta o Enforcer e devolve o wrapper net/http.
func Middleware(opts Options) (func(next http.Handler) http.Handler, error) {
	e, err := NewEnforcer(opts)
	if err != nil {
		return nil, err
	}
	return e.Wrap, nil
}

func (e *Enforcer) Policy() domain.Policy { return e.policy }

func (e *Enforcer) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := e.Evaluate(r)
		if !e.Respond(w, out) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Evaluate roda o fluxo do guard para a request. Pode substituir r.Body
// (políticas de auth leem o identificador tentado, mas só de endereços não bloqueados).
func (e *Enforcer) Evaluate(r *http.Request) application.Outcome {
	if e.exemptPath(r.URL.Path) {
		return application.Outcome{Verdict: application.VerdictExempt, Policy: e.policy}
	}

	req := domain.Request{
		Address:  e.opts.AddressFn(r),
		Identity: e.opts.IdentityFn(r),
		Method:   r.Method,
		Path:     r.URL.Path,
	}
	if e.policy.KeyStrategy == domain.KeyByAuth {
		req.CredentialFn = func() string { return CredentialFromBody(r) }
	}
	return e.opts.Guard.Evaluate(r.Context(), e.policy, req)
}

// Respond escreve headers/negação. Devolve true se a request deve seguir.
func (e *Enforcer) Respond(w http.ResponseWriter, out application.Outcome) bool {
	now := e.opts.Now()

	switch out.Verdict {
	case application.VerdictExempt:
		return true

	case application.VerdictAllow:
		if !e.opts.OmitRateLimitHeaders {
			setQuotaHeaders(w.Header(), out.Decision)
		}
		return true

	case application.VerdictBlocked:
		e.logger.Debug("blocked address rejected",
			zap.String("policy", e.policy.Name),
			zap.String("address", out.Block.Address),
		)
		writeBlocked(w, out.Block, e.opts.Contact, now)
		return false

	default:
		e.logger.Debug("rate limit rejected",
			zap.String("policy", e.policy.Name),
			zap.String("key", out.Key.Value),
		)
		if !e.opts.OmitRateLimitHeaders {
			setQuotaHeaders(w.Header(), out.Decision)
		}
		writeLimited(w, e.policy, out.Decision, now)
		return false
	}
}

func (e *Enforcer) exemptPath(path string) bool {
	for _, p := range e.opts.HealthPaths {
		if p == "" {
			continue
		}
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

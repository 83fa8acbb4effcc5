package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"guard-gateway/middleware/ratelimit/domain"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MaxStoreTimeout é o teto de espera por chamada ao storage.
const MaxStoreTimeout = 200 * time.Millisecond

// Recorder recebe os contadores operacionais do guard (ex.: Prometheus).
type Recorder interface {
	Decision(policy, outcome string)
	StoreError(op string)
	Escalation(kind string)
	EventDropped()
}

type nopRecorder struct{}

func (nopRecorder) Decision(string, string) {}
func (nopRecorder) StoreError(string)       {}
func (nopRecorder) Escalation(string)       {}
func (nopRecorder) EventDropped()           {}

type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictLimited
	VerdictBlocked
	VerdictExempt
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allowed"
	case VerdictLimited:
		return "limited"
	case VerdictBlocked:
		return "blocked"
	case VerdictExempt:
		return "exempt"
	default:
		return "unknown"
	}
}

// Outcome é o resultado de Evaluate para uma request.
type Outcome struct {
	Verdict  Verdict
	Policy   domain.Policy
	Decision domain.Decision
	// Block só é preenchido quando Verdict == VerdictBlocked.
	Block    domain.BlockRecord
	Key      domain.Key
	Degraded bool
}

// GuardOptions configura o Guard. Zero values recebem os padrões.
type GuardOptions struct {
	Store    domain.Store
	Events   domain.EventSink
	Recorder Recorder
	Logger   *zap.Logger
	Now      func() time.Time

	// StoreTimeout por chamada ao storage (padrão e teto: 200ms).
	StoreTimeout time.Duration

	AdaptiveThreshold   int64 // padrão 3
	SuspiciousThreshold int64 // padrão 5
	BlockThreshold      int64 // padrão 10

	BlockDuration time.Duration // padrão 1h
	OverrideTTL   time.Duration // padrão 24h
	ViolationTTL  time.Duration // inatividade; padrão 24h
	SuspiciousTTL time.Duration // padrão 24h

	// Allowlist isenta endereços de bloqueio e de limite.
	Allowlist func(address string) bool

	// DegradedLogEvery limita os logs de storage fora do ar (padrão 5s).
	DegradedLogEvery time.Duration
}

// Guard orquestra blocklist, Limiter Core, Violation Tracker, Adaptive Limiter e
// Abuse Analyzer. Não conhece HTTP.
//
// Falha de storage sempre degrada para "permitir": Evaluate nunca retorna erro.
type Guard struct {
	opts       GuardOptions
	logger     *zap.Logger
	recorder   Recorder
	degradeLog *rate.Limiter
}

func NewGuard(opts GuardOptions) (*Guard, error) {
	if opts.Store == nil {
		return nil, errors.New("guard: store is required")
	}
	if opts.Events == nil {
		opts.Events = discardSink{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StoreTimeout <= 0 || opts.StoreTimeout > MaxStoreTimeout {
		opts.StoreTimeout = MaxStoreTimeout
	}
	if opts.AdaptiveThreshold <= 0 {
		opts.AdaptiveThreshold = 3
	}
	if opts.SuspiciousThreshold <= 0 {
		opts.SuspiciousThreshold = 5
	}
	if opts.BlockThreshold <= 0 {
		opts.BlockThreshold = 10
	}
	if opts.BlockDuration <= 0 {
		opts.BlockDuration = time.Hour
	}
	if opts.OverrideTTL <= 0 {
		opts.OverrideTTL = 24 * time.Hour
	}
	if opts.ViolationTTL <= 0 {
		opts.ViolationTTL = 24 * time.Hour
	}
	if opts.SuspiciousTTL <= 0 {
		opts.SuspiciousTTL = 24 * time.Hour
	}
	if opts.Allowlist == nil {
		opts.Allowlist = func(string) bool { return false }
	}
	if opts.DegradedLogEvery <= 0 {
		opts.DegradedLogEvery = 5 * time.Second
	}

	g := &Guard{
		opts:       opts,
		logger:     opts.Logger,
		recorder:   opts.Recorder,
		degradeLog: rate.NewLimiter(rate.Every(opts.DegradedLogEvery), 1),
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.recorder == nil {
		g.recorder = nopRecorder{}
	}
	return g, nil
}

// Allowlisted diz se o endereço está isento de bloqueio e limite.
func (g *Guard) Allowlisted(address string) bool { return g.opts.Allowlist(address) }

// evaluation é o estado de uma única request (não sobrevive a ela).
type evaluation struct {
	policy   domain.Policy
	req      domain.Request
	key      domain.Key
	degraded bool
}

// Evaluate executa BLOCK_CHECK → KEY_RESOLUTION → LIMIT_CHECK → {ALLOW, DENY}.
func (g *Guard) Evaluate(ctx context.Context, policy domain.Policy, req domain.Request) Outcome {
	ev := &evaluation{policy: policy, req: req}

	if req.Address != "" && g.opts.Allowlist(req.Address) {
		g.recorder.Decision(policy.Name, VerdictExempt.String())
		return Outcome{Verdict: VerdictExempt, Policy: policy}
	}

	if rec, ok := g.blockCheck(ctx, ev); ok {
		now := g.opts.Now()
		g.emit(ctx, ev, domain.EventBlockedRequest, map[string]string{
			"reason":    rec.Reason,
			"expiresAt": rec.ExpiresAt.UTC().Format(time.RFC3339),
			"path":      req.Path,
		})
		g.recorder.Decision(policy.Name, VerdictBlocked.String())
		return Outcome{
			Verdict: VerdictBlocked,
			Policy:  policy,
			Block:   rec,
			Decision: domain.Decision{
				Limit:   policy.MaxRequests,
				ResetAt: rec.ExpiresAt,
				Window:  rec.ExpiresAt.Sub(now),
			},
			Degraded: ev.degraded,
		}
	}

	// o identificador tentado só é lido depois da blocklist
	if req.Credential == "" && req.CredentialFn != nil && policy.KeyStrategy == domain.KeyByAuth {
		req.Credential = req.CredentialFn()
		ev.req = req
	}
	ev.key = domain.ResolveKey(policy.KeyStrategy, req)
	dec := g.check(ctx, ev)

	out := Outcome{Policy: policy, Decision: dec, Key: ev.key, Degraded: ev.degraded}
	if dec.Allowed {
		out.Verdict = VerdictAllow
		outcome := VerdictAllow.String()
		if ev.degraded {
			outcome = "degraded"
		}
		g.recorder.Decision(policy.Name, outcome)
		g.logger.Debug("request allowed",
			zap.String("policy", policy.Name),
			zap.String("key", ev.key.Value),
			zap.Int64("remaining", dec.Remaining),
		)
		return out
	}

	out.Verdict = VerdictLimited
	g.recorder.Decision(policy.Name, VerdictLimited.String())
	g.onViolation(ctx, ev, dec)
	out.Degraded = ev.degraded
	return out
}

// Check é o Limiter Core isolado: resolve override, incrementa e decide.
// Não registra violação nem escalona.
func (g *Guard) Check(ctx context.Context, policy domain.Policy, key domain.Key) domain.Decision {
	return g.check(ctx, &evaluation{policy: policy, key: key})
}

func (g *Guard) blockCheck(ctx context.Context, ev *evaluation) (domain.BlockRecord, bool) {
	if ev.req.Address == "" {
		return domain.BlockRecord{}, false
	}
	sctx, cancel := g.storeCtx(ctx)
	defer cancel()

	rec, ok, err := g.opts.Store.Block(sctx, ev.req.Address)
	switch {
	case err == nil:
		return rec, ok
	case domain.IsStoreUnavailable(err):
		g.degrade(ctx, ev, "block", err)
	default:
		g.logger.Warn("ignoring unreadable block record",
			zap.String("address", ev.req.Address),
			zap.Error(err),
		)
	}
	return domain.BlockRecord{}, false
}

func (g *Guard) check(ctx context.Context, ev *evaluation) domain.Decision {
	p := ev.policy
	limitKey := domain.LimitKey(p.Name, ev.key)
	maxRequests, window := p.MaxRequests, p.Window

	// storage já falhou nesta request: não espera outro timeout
	if ev.degraded {
		return domain.FailOpen(maxRequests, window, g.opts.Now())
	}

	if o, ok := g.override(ctx, ev, limitKey); ok {
		maxRequests, window = o.MaxRequests, o.Window
	} else if ev.degraded {
		return domain.FailOpen(maxRequests, window, g.opts.Now())
	}

	sctx, cancel := g.storeCtx(ctx)
	defer cancel()

	count, ttl, err := g.opts.Store.Increment(sctx, limitKey, window)
	now := g.opts.Now()
	if err != nil {
		g.degrade(ctx, ev, "increment", err)
		return domain.FailOpen(maxRequests, window, now)
	}
	return domain.Decide(count, maxRequests, window, ttl, now)
}

// override devolve o override ativo; dado corrompido vira "sem override".
func (g *Guard) override(ctx context.Context, ev *evaluation, limitKey string) (domain.AdaptiveOverride, bool) {
	sctx, cancel := g.storeCtx(ctx)
	defer cancel()

	o, ok, err := g.opts.Store.Override(sctx, limitKey)
	switch {
	case err == nil:
		if ok && o.Active(g.opts.Now()) {
			return o, true
		}
	case errors.Is(err, domain.ErrInvalidOverride):
		g.logger.Warn("invalid adaptive override, using static policy",
			zap.String("key", limitKey),
			zap.Error(err),
		)
		g.emit(ctx, ev, domain.EventOverrideInvalid, map[string]string{"error": err.Error()})
	default:
		g.degrade(ctx, ev, "override", err)
	}
	return domain.AdaptiveOverride{}, false
}

func (g *Guard) onViolation(ctx context.Context, ev *evaluation, dec domain.Decision) {
	p := ev.policy
	limitKey := domain.LimitKey(p.Name, ev.key)
	now := g.opts.Now()

	sctx, cancel := g.storeCtx(ctx)
	rec, err := g.opts.Store.RecordViolation(sctx, limitKey, now, g.opts.ViolationTTL)
	cancel()
	if err != nil {
		g.degrade(ctx, ev, "record_violation", err)
		return
	}

	g.emit(ctx, ev, domain.EventRateLimitExceeded, map[string]string{
		"limit":      strconv.FormatInt(dec.Limit, 10),
		"window":     dec.Window.String(),
		"violations": strconv.FormatInt(rec.Count, 10),
		"path":       ev.req.Path,
	})
	g.logger.Debug("rate limit exceeded",
		zap.String("policy", p.Name),
		zap.String("key", ev.key.Value),
		zap.Int64("violations", rec.Count),
	)

	g.escalate(ctx, ev, rec, now)
	g.analyze(ctx, ev, rec, now)
}

// escalate aplica o Adaptive Limiter. O nível é função só da contagem, e o
// store mantém o mais restritivo entre atual e proposto.
func (g *Guard) escalate(ctx context.Context, ev *evaluation, rec domain.ViolationRecord, now time.Time) {
	if ev.degraded || rec.Count < g.opts.AdaptiveThreshold {
		return
	}
	level := int(rec.Count - g.opts.AdaptiveThreshold + 1)
	maxRequests, window := domain.EscalatedLimits(ev.policy, level)
	proposed := domain.AdaptiveOverride{
		Key:         rec.Key,
		MaxRequests: maxRequests,
		Window:      window,
		Level:       level,
		AppliedAt:   now,
		ExpiresAt:   now.Add(g.opts.OverrideTTL),
	}

	sctx, cancel := g.storeCtx(ctx)
	applied, changed, err := g.opts.Store.TightenOverride(sctx, proposed)
	cancel()
	if err != nil {
		if domain.IsStoreUnavailable(err) {
			g.degrade(ctx, ev, "tighten_override", err)
		} else {
			g.logger.Warn("adaptive override rejected", zap.String("key", rec.Key), zap.Error(err))
		}
		return
	}
	if !changed {
		return
	}

	g.recorder.Escalation("adaptive")
	g.emit(ctx, ev, domain.EventAdaptiveApplied, map[string]string{
		"maxRequests": strconv.FormatInt(applied.MaxRequests, 10),
		"window":      applied.Window.String(),
		"level":       strconv.Itoa(applied.Level),
		"expiresAt":   applied.ExpiresAt.UTC().Format(time.RFC3339),
	})
	g.logger.Info("adaptive limit applied",
		zap.String("key", rec.Key),
		zap.Int64("max_requests", applied.MaxRequests),
		zap.Duration("window", applied.Window),
		zap.Int("level", applied.Level),
	)
}

// analyze aplica o Abuse Analyzer: suspeito e depois bloqueio do endereço.
// Chaves de identidade nunca bloqueiam.
func (g *Guard) analyze(ctx context.Context, ev *evaluation, rec domain.ViolationRecord, now time.Time) {
	addr := ev.req.Address
	if ev.degraded || addr == "" || !ev.key.Blockable() || g.opts.Allowlist(addr) {
		return
	}

	if rec.Count >= g.opts.SuspiciousThreshold {
		sctx, cancel := g.storeCtx(ctx)
		first, err := g.opts.Store.MarkSuspicious(sctx, addr, now, g.opts.SuspiciousTTL)
		cancel()
		switch {
		case err != nil:
			g.degrade(ctx, ev, "mark_suspicious", err)
			return
		case first:
			g.recorder.Escalation("suspicious")
			g.emit(ctx, ev, domain.EventSuspicious, map[string]string{
				"violations": strconv.FormatInt(rec.Count, 10),
			})
		}
	}

	if ev.degraded || rec.Count < g.opts.BlockThreshold {
		return
	}
	block := domain.BlockRecord{
		Address:   addr,
		Reason:    fmt.Sprintf("%d rate limit violations on policy %s", rec.Count, ev.policy.Name),
		BlockedAt: now,
		ExpiresAt: now.Add(g.opts.BlockDuration),
		Active:    true,
	}
	sctx, cancel := g.storeCtx(ctx)
	created, err := g.opts.Store.SetBlock(sctx, block, g.opts.BlockDuration)
	cancel()
	if err != nil {
		g.degrade(ctx, ev, "set_block", err)
		return
	}
	if !created {
		return
	}

	g.recorder.Escalation("block")
	g.emit(ctx, ev, domain.EventBlocked, map[string]string{
		"reason":    block.Reason,
		"expiresAt": block.ExpiresAt.UTC().Format(time.RFC3339),
	})
	g.logger.Warn("address blocked",
		zap.String("address", addr),
		zap.String("reason", block.Reason),
		zap.Time("expires_at", block.ExpiresAt),
	)
}

// degrade registra falha de storage. No máximo um evento store_degraded por request.
func (g *Guard) degrade(ctx context.Context, ev *evaluation, op string, err error) {
	g.recorder.StoreError(op)
	if g.degradeLog.Allow() {
		g.logger.Warn("counter store unavailable, failing open",
			zap.String("op", op),
			zap.String("policy", ev.policy.Name),
			zap.Error(err),
		)
	}
	if ev.degraded {
		return
	}
	ev.degraded = true
	g.emit(ctx, ev, domain.EventStoreDegraded, map[string]string{
		"op":    op,
		"error": err.Error(),
	})
}

func (g *Guard) emit(ctx context.Context, ev *evaluation, typ domain.EventType, details map[string]string) {
	e := domain.SecurityEvent{
		ID:        ulid.Make().String(),
		Type:      typ,
		Timestamp: g.opts.Now(),
		Address:   ev.req.Address,
		Identity:  ev.req.Identity,
		Policy:    ev.policy.Name,
		Key:       ev.key.Value,
		Details:   details,
	}
	if err := g.opts.Events.Append(ctx, e); err != nil {
		g.logger.Debug("security event not recorded", zap.String("type", string(typ)), zap.Error(err))
	}
}

func (g *Guard) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.opts.StoreTimeout)
}

type discardSink struct{}

func (discardSink) Append(context.Context, domain.SecurityEvent) error { return nil }

package infra

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"guard-gateway/middleware/ratelimit/domain"
)

// MemoryStore implementa domain.Store em memória, com expiração avaliada na leitura.
//
// Serve para instância única, testes e drills de fail-open (SetUnavailable).
// Não compartilha estado entre processos.
type MemoryStore struct {
	mu         sync.Mutex
	counters   map[string]counterEntry
	violations map[string]violationEntry
	overrides  map[string]domain.AdaptiveOverride
	blocks     map[string]domain.BlockRecord
	suspicious map[string]time.Time

	now         func() time.Time
	unavailable atomic.Bool
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

type violationEntry struct {
	rec       domain.ViolationRecord
	expiresAt time.Time
}

var _ domain.Store = (*MemoryStore)(nil)

type MemoryOption func(*MemoryStore)

// WithClock troca o relógio (testes de janela/expiração).
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		counters:   make(map[string]counterEntry),
		violations: make(map[string]violationEntry),
		overrides:  make(map[string]domain.AdaptiveOverride),
		blocks:     make(map[string]domain.BlockRecord),
		suspicious: make(map[string]time.Time),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetUnavailable faz todas as operações falharem com ErrStoreUnavailable.
func (s *MemoryStore) SetUnavailable(down bool) { s.unavailable.Store(down) }

func (s *MemoryStore) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory %s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}
	if s.unavailable.Load() {
		return fmt.Errorf("memory %s: %w", op, domain.ErrStoreUnavailable)
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.check(ctx, "ping")
}

func (s *MemoryStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if err := s.check(ctx, "increment"); err != nil {
		return 0, 0, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.counters[key]
	if !ok || !now.Before(e.expiresAt) {
		e = counterEntry{expiresAt: now.Add(window)}
	}
	e.count++
	s.counters[key] = e
	return e.count, e.expiresAt.Sub(now), nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	if err := s.check(ctx, "get"); err != nil {
		return 0, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.counters[key]
	if !ok || !now.Before(e.expiresAt) {
		return 0, nil
	}
	return e.count, nil
}

func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	if err := s.check(ctx, "reset"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	return nil
}

func (s *MemoryStore) RecordViolation(ctx context.Context, key string, at time.Time, inactivityTTL time.Duration) (domain.ViolationRecord, error) {
	if err := s.check(ctx, "record violation"); err != nil {
		return domain.ViolationRecord{}, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.violations[key]
	if !ok || !now.Before(e.expiresAt) {
		e = violationEntry{rec: domain.ViolationRecord{Key: key}}
	}
	e.rec.Count++
	e.rec.LastViolationAt = at
	e.expiresAt = now.Add(inactivityTTL)
	s.violations[key] = e
	return e.rec, nil
}

func (s *MemoryStore) Violations(ctx context.Context, key string) (domain.ViolationRecord, error) {
	if err := s.check(ctx, "violations"); err != nil {
		return domain.ViolationRecord{}, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.violations[key]
	if !ok || !now.Before(e.expiresAt) {
		return domain.ViolationRecord{Key: key}, nil
	}
	return e.rec, nil
}

func (s *MemoryStore) ClearViolations(ctx context.Context, key string) error {
	if err := s.check(ctx, "clear violations"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.violations, key)
	return nil
}

func (s *MemoryStore) ListViolations(ctx context.Context, limit int) ([]domain.ViolationRecord, error) {
	if err := s.check(ctx, "list violations"); err != nil {
		return nil, err
	}
	now := s.now()

	s.mu.Lock()
	out := make([]domain.ViolationRecord, 0, len(s.violations))
	for _, e := range s.violations {
		if now.Before(e.expiresAt) {
			out = append(out, e.rec)
		}
	}
	s.mu.Unlock()

	sortViolations(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Override(ctx context.Context, key string) (domain.AdaptiveOverride, bool, error) {
	if err := s.check(ctx, "override"); err != nil {
		return domain.AdaptiveOverride{}, false, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.overrides[key]
	if !ok {
		return domain.AdaptiveOverride{}, false, nil
	}
	if err := o.Validate(); err != nil {
		return domain.AdaptiveOverride{}, false, err
	}
	if !o.Active(now) {
		return domain.AdaptiveOverride{}, false, nil
	}
	return o, true, nil
}

func (s *MemoryStore) TightenOverride(ctx context.Context, proposed domain.AdaptiveOverride) (domain.AdaptiveOverride, bool, error) {
	if err := s.check(ctx, "tighten override"); err != nil {
		return domain.AdaptiveOverride{}, false, err
	}
	if err := proposed.Validate(); err != nil {
		return domain.AdaptiveOverride{}, false, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.overrides[proposed.Key]
	merged, changed := domain.MergeOverride(current, exists, proposed, now)
	if changed {
		s.overrides[proposed.Key] = merged
	}
	return merged, changed, nil
}

func (s *MemoryStore) DeleteOverride(ctx context.Context, key string) error {
	if err := s.check(ctx, "delete override"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, key)
	return nil
}

// PutOverride grava um override sem validação (restauração/diagnóstico).
func (s *MemoryStore) PutOverride(o domain.AdaptiveOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[o.Key] = o
}

func (s *MemoryStore) SetBlock(ctx context.Context, rec domain.BlockRecord, ttl time.Duration) (bool, error) {
	if err := s.check(ctx, "set block"); err != nil {
		return false, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.blocks[rec.Address]; ok && cur.IsActive(now) {
		return false, nil
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = now.Add(ttl)
	}
	rec.Active = true
	s.blocks[rec.Address] = rec
	return true, nil
}

func (s *MemoryStore) Block(ctx context.Context, address string) (domain.BlockRecord, bool, error) {
	if err := s.check(ctx, "block"); err != nil {
		return domain.BlockRecord{}, false, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.blocks[address]
	if !ok || !rec.IsActive(now) {
		return domain.BlockRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *MemoryStore) DeleteBlock(ctx context.Context, address string) (bool, error) {
	if err := s.check(ctx, "delete block"); err != nil {
		return false, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.blocks[address]
	delete(s.blocks, address)
	return ok && rec.IsActive(now), nil
}

func (s *MemoryStore) ListBlocks(ctx context.Context) ([]domain.BlockRecord, error) {
	if err := s.check(ctx, "list blocks"); err != nil {
		return nil, err
	}
	now := s.now()

	s.mu.Lock()
	out := make([]domain.BlockRecord, 0, len(s.blocks))
	for _, rec := range s.blocks {
		if rec.IsActive(now) {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].BlockedAt.After(out[j].BlockedAt) })
	return out, nil
}

func (s *MemoryStore) MarkSuspicious(ctx context.Context, address string, at time.Time, ttl time.Duration) (bool, error) {
	if err := s.check(ctx, "mark suspicious"); err != nil {
		return false, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.suspicious[address]
	first := !ok || !now.Before(exp)
	s.suspicious[address] = at.Add(ttl)
	return first, nil
}

func (s *MemoryStore) ListSuspicious(ctx context.Context) ([]domain.SuspiciousAddress, error) {
	if err := s.check(ctx, "list suspicious"); err != nil {
		return nil, err
	}
	now := s.now()

	s.mu.Lock()
	out := make([]domain.SuspiciousAddress, 0, len(s.suspicious))
	for addr, exp := range s.suspicious {
		if now.Before(exp) {
			out = append(out, domain.SuspiciousAddress{Address: addr, ExpiresAt: exp})
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// Sweep remove tudo o que já expirou ou ficou inativo.
func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	if err := s.check(ctx, "sweep"); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.counters {
		if !now.Before(e.expiresAt) {
			delete(s.counters, k)
			removed++
		}
	}
	for k, e := range s.violations {
		if !now.Before(e.expiresAt) {
			delete(s.violations, k)
			removed++
		}
	}
	for k, o := range s.overrides {
		if o.Validate() != nil || !o.Active(now) {
			delete(s.overrides, k)
			removed++
		}
	}
	for k, rec := range s.blocks {
		if !rec.IsActive(now) {
			delete(s.blocks, k)
			removed++
		}
	}
	for k, exp := range s.suspicious {
		if !now.Before(exp) {
			delete(s.suspicious, k)
			removed++
		}
	}
	return removed, nil
}

func sortViolations(v []domain.ViolationRecord) {
	sort.Slice(v, func(i, j int) bool {
		if v[i].Count != v[j].Count {
			return v[i].Count > v[j].Count
		}
		return v[i].Key < v[j].Key
	})
}

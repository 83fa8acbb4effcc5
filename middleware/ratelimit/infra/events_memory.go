package infra

import (
	"context"
	"sync"
	"time"

	"guard-gateway/middleware/ratelimit/domain"
)

// MemoryEventSink guarda eventos de segurança em memória, com retenção.
// Útil para testes e desenvolvimento.
type MemoryEventSink struct {
	mu        sync.Mutex
	events    []domain.SecurityEvent
	retention time.Duration
	now       func() time.Time
}

var (
	_ domain.EventSink   = (*MemoryEventSink)(nil)
	_ domain.EventReader = (*MemoryEventSink)(nil)
)

type MemoryEventOption func(*MemoryEventSink)

// WithRetention define por quanto tempo um evento é mantido (padrão 7 dias).
func WithRetention(d time.Duration) MemoryEventOption {
	return func(s *MemoryEventSink) {
		if d > 0 {
			s.retention = d
		}
	}
}

func WithEventClock(now func() time.Time) MemoryEventOption {
	return func(s *MemoryEventSink) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryEventSink(opts ...MemoryEventOption) *MemoryEventSink {
	s := &MemoryEventSink{
		retention: 7 * 24 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryEventSink) Append(ctx context.Context, ev domain.SecurityEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimLocked()
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryEventSink) Since(ctx context.Context, since time.Time) ([]domain.SecurityEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimLocked()

	var out []domain.SecurityEvent
	for _, ev := range s.events {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Events devolve uma cópia de tudo o que ainda está retido.
func (s *MemoryEventSink) Events() []domain.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SecurityEvent, len(s.events))
	copy(out, s.events)
	return out
}

// ByType filtra Events por tipo.
func (s *MemoryEventSink) ByType(t domain.EventType) []domain.SecurityEvent {
	var out []domain.SecurityEvent
	for _, ev := range s.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (s *MemoryEventSink) trimLocked() {
	cutoff := s.now().Add(-s.retention)
	i := 0
	for i < len(s.events) && s.events[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.events = append(s.events[:0], s.events[i:]...)
	}
}

package domain

import (
	"context"
	"time"
)

type EventType string

const (
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
	EventAdaptiveApplied   EventType = "adaptive_limit_applied"
	EventSuspicious        EventType = "ip_suspicious"
	EventBlocked           EventType = "ip_blocked"
	EventBlockedRequest    EventType = "blocked_request"
	EventUnblocked         EventType = "ip_unblocked"
	EventLimitReset        EventType = "limit_reset"
	EventStoreDegraded     EventType = "store_degraded"
	EventOverrideInvalid   EventType = "override_invalid"
)

// SecurityEvent é um registro append-only de violação/escalonamento/bloqueio.
//
// Cuidado com cardinalidade: Details deve carregar poucos campos, e nunca o corpo
// da request.
type SecurityEvent struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"eventType"`
	Timestamp time.Time         `json:"timestamp"`
	Address   string            `json:"networkAddress,omitempty"`
	Identity  string            `json:"identity,omitempty"`
	Policy    string            `json:"policy,omitempty"`
	Key       string            `json:"key,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// EventSink é a estratégia de persistência dos eventos de segurança.
//
// O chamador trata erro como best-effort (nunca altera a decisão já tomada).
type EventSink interface {
	Append(ctx context.Context, ev SecurityEvent) error
}

// EventReader lê os eventos ainda retidos a partir de um instante.
type EventReader interface {
	Since(ctx context.Context, since time.Time) ([]SecurityEvent, error)
}

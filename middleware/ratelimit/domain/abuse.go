package domain

import (
	"fmt"
	"time"
)

// MaxOverrideWindow limita a janela de um override adaptativo.
const MaxOverrideWindow = 24 * time.Hour

// ViolationRecord conta quantas vezes uma chave foi negada.
type ViolationRecord struct {
	Key             string
	Count           int64
	LastViolationAt time.Time
}

// AdaptiveOverride substitui a política estática de uma chave até ExpiresAt.
type AdaptiveOverride struct {
	Key         string
	MaxRequests int64
	Window      time.Duration
	Level       int
	AppliedAt   time.Time
	ExpiresAt   time.Time
}

func (o AdaptiveOverride) Active(now time.Time) bool {
	return now.Before(o.ExpiresAt)
}

func (o AdaptiveOverride) Validate() error {
	if o.MaxRequests < 1 || o.Window <= 0 || o.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: key=%s max=%d window=%s", ErrInvalidOverride, o.Key, o.MaxRequests, o.Window)
	}
	return nil
}

// TighterThan: teto menor, ou mesmo teto com janela maior.
func (o AdaptiveOverride) TighterThan(other AdaptiveOverride) bool {
	if o.MaxRequests != other.MaxRequests {
		return o.MaxRequests < other.MaxRequests
	}
	return o.Window > other.Window
}

// MergeOverride é a regra "tighter-of" usada pelos stores no compare-and-set.
// Um override ativo nunca é afrouxado; um expirado é simplesmente substituído.
func MergeOverride(current AdaptiveOverride, exists bool, proposed AdaptiveOverride, now time.Time) (AdaptiveOverride, bool) {
	if !exists || !current.Active(now) || current.Validate() != nil {
		return proposed, true
	}
	if proposed.TighterThan(current) {
		return proposed, true
	}
	return current, false
}

// TightenStep aplica um passo de escalonamento: metade do teto, dobro da janela.
// A janela nunca passa de MaxOverrideWindow e nunca encolhe.
func TightenStep(maxRequests int64, window time.Duration) (int64, time.Duration) {
	maxRequests /= 2
	if maxRequests < 1 {
		maxRequests = 1
	}
	if window < MaxOverrideWindow {
		window *= 2
		if window > MaxOverrideWindow {
			window = MaxOverrideWindow
		}
	}
	return maxRequests, window
}

// EscalatedLimits aplica TightenStep `level` vezes a partir da política estática.
// Determinístico pelo nível, então processos concorrentes convergem.
func EscalatedLimits(p Policy, level int) (int64, time.Duration) {
	maxRequests, window := p.MaxRequests, p.Window
	for i := 0; i < level; i++ {
		if maxRequests == 1 && window >= MaxOverrideWindow {
			break
		}
		maxRequests, window = TightenStep(maxRequests, window)
	}
	return maxRequests, window
}

// BlockRecord bloqueia um endereço de rede até ExpiresAt.
type BlockRecord struct {
	Address   string    `json:"address"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Active    bool      `json:"active"`
}

// IsActive considera a expiração na leitura (o TTL do store é só housekeeping).
func (b BlockRecord) IsActive(now time.Time) bool {
	return b.Active && now.Before(b.ExpiresAt)
}

// SuspiciousAddress é só observabilidade; não há enforcement.
type SuspiciousAddress struct {
	Address   string
	ExpiresAt time.Time
}

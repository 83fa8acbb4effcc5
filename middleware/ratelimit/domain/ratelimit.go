package domain

import "time"

// Decision é o resultado do Limiter Core para uma request.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
	// Window é a janela efetiva (estática ou do override adaptativo).
	Window time.Duration
	// Degraded indica que o storage falhou e a decisão foi fail-open.
	Degraded bool
}

// RetryAfter é o tempo até o reset da janela, nunca negativo.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.IsZero() || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// Decide aplica o teto efetivo ao contador pós-incremento.
func Decide(count, maxRequests int64, window, ttl time.Duration, now time.Time) Decision {
	if ttl <= 0 {
		ttl = window
	}
	d := Decision{
		Allowed: count <= maxRequests,
		Limit:   maxRequests,
		ResetAt: now.Add(ttl),
		Window:  window,
	}
	if d.Allowed {
		d.Remaining = maxRequests - count
	}
	return d
}

// FailOpen é a decisão usada quando o storage está indisponível.
func FailOpen(maxRequests int64, window time.Duration, now time.Time) Decision {
	remaining := maxRequests - 1
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   true,
		Limit:     maxRequests,
		Remaining: remaining,
		ResetAt:   now.Add(window),
		Window:    window,
		Degraded:  true,
	}
}

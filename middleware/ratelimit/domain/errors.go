package domain

import (
	"context"
	"errors"
)

var (
	// ErrStoreUnavailable indica falha de rede/backend no storage compartilhado.
	// Quem chama deve aplicar fail-open.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrPolicyNotFound  = errors.New("policy not found")
	ErrInvalidPolicy   = errors.New("invalid policy")
	ErrInvalidOverride = errors.New("invalid override state")
	ErrNotFound        = errors.New("not found")
)

// IsStoreUnavailable trata timeout/cancelamento de uma chamada ao storage
// exatamente como indisponibilidade.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

package infra

import (
	"context"
	"sync"

	"guard-gateway/middleware/ratelimit/domain"
)

// ChanPool é um semáforo baseado em channel.
type ChanPool struct {
	sem chan struct{}
}

var _ domain.TrySlotPool = (*ChanPool)(nil)

// NewChanPool cria um pool com capacidade `max` (mínimo 1).
func NewChanPool(max int) *ChanPool {
	if max < 1 {
		max = 1
	}
	return &ChanPool{sem: make(chan struct{}, max)}
}

// Acquire devolve um release idempotente: chamar duas vezes não libera duas vagas.
func (p *ChanPool) Acquire(ctx context.Context) (func(), bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	select {
	case p.sem <- struct{}{}:
		return sync.OnceFunc(func() { <-p.sem }), true
	case <-ctx.Done():
		return nil, false
	}
}

// TryAcquire nunca bloqueia.
func (p *ChanPool) TryAcquire() (func(), bool) {
	select {
	case p.sem <- struct{}{}:
		return sync.OnceFunc(func() { <-p.sem }), true
	default:
		return nil, false
	}
}

// InUse devolve quantas vagas estão ocupadas agora.
func (p *ChanPool) InUse() int { return len(p.sem) }

func (p *ChanPool) Cap() int { return cap(p.sem) }

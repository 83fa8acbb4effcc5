package application

import (
	"context"
	"time"

	"guard-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

// Janitor varre periodicamente o estado expirado do Store (violações inativas,
// overrides vencidos, bloqueios e suspeitos expirados).
//
// É housekeeping: expiração também é checada na leitura.
type Janitor struct {
	Store    domain.Store
	Interval time.Duration
	Logger   *zap.Logger
	Now      func() time.Time
}

// RunOnce faz uma varredura e devolve quantos itens foram removidos.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	return j.Store.Sweep(ctx, now())
}

// Run bloqueia até ctx encerrar. Interval <= 0 desliga o janitor.
func (j *Janitor) Run(ctx context.Context) error {
	if j.Interval <= 0 {
		<-ctx.Done()
		return nil
	}
	logger := j.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	t := time.NewTicker(j.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := j.RunOnce(ctx)
			if err != nil {
				logger.Warn("janitor sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("janitor sweep", zap.Int("removed", n))
			}
		}
	}
}

// Start roda o Janitor numa goroutine. Pare cancelando o contexto.
func (j *Janitor) Start(ctx context.Context) {
	go func() { _ = j.Run(ctx) }()
}

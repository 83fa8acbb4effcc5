package domain

import (
	"context"
	"time"
)

// CounterStore é o contador compartilhado com expiração por chave.
//
// Increment deve ser linearizável: dois incrementos concorrentes na mesma chave
// nunca observam o mesmo valor anterior.
type CounterStore interface {
	// Increment cria a chave com TTL=window se ausente; devolve o valor novo e o TTL restante.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
	Get(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type ViolationStore interface {
	// RecordViolation incrementa a contagem e renova a inatividade para inactivityTTL.
	RecordViolation(ctx context.Context, key string, at time.Time, inactivityTTL time.Duration) (ViolationRecord, error)
	Violations(ctx context.Context, key string) (ViolationRecord, error)
	ClearViolations(ctx context.Context, key string) error
	ListViolations(ctx context.Context, limit int) ([]ViolationRecord, error)
}

type OverrideStore interface {
	// Override devolve ErrInvalidOverride (com ok=false) quando o dado está corrompido.
	Override(ctx context.Context, key string) (AdaptiveOverride, bool, error)
	// TightenOverride grava proposed só se for mais restritivo que o atual (ou se o atual expirou).
	TightenOverride(ctx context.Context, proposed AdaptiveOverride) (AdaptiveOverride, bool, error)
	DeleteOverride(ctx context.Context, key string) error
}

type BlockStore interface {
	// SetBlock grava o bloqueio só se não houver um ativo; created=false caso contrário.
	SetBlock(ctx context.Context, rec BlockRecord, ttl time.Duration) (created bool, err error)
	Block(ctx context.Context, address string) (BlockRecord, bool, error)
	DeleteBlock(ctx context.Context, address string) (bool, error)
	ListBlocks(ctx context.Context) ([]BlockRecord, error)

	// MarkSuspicious devolve true na primeira marcação dentro do TTL.
	MarkSuspicious(ctx context.Context, address string, at time.Time, ttl time.Duration) (bool, error)
	ListSuspicious(ctx context.Context) ([]SuspiciousAddress, error)
}

// Store agrega todos os contratos de estado compartilhado.
type Store interface {
	CounterStore
	ViolationStore
	OverrideStore
	BlockStore

	Ping(ctx context.Context) error
	// Sweep remove estado expirado/inativo. Best-effort.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// SlotPool representa um recurso com capacidade finita.
//
// Acquire bloqueia até conseguir uma vaga ou até o ctx encerrar.
// Ao adquirir, retorna uma função de release que deve ser chamada exatamente uma vez.
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
}

// TrySlotPool é um SlotPool que também sabe adquirir sem esperar.
type TrySlotPool interface {
	SlotPool
	TryAcquire() (release func(), ok bool)
}

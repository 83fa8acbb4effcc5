package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"guard-gateway/middleware/ratelimit/domain"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Admin agrupa as operações administrativas (fora do caminho de enforcement).
type Admin struct {
	Store  domain.Store
	Events domain.EventSink
	Reader domain.EventReader
	Logger *zap.Logger
	Now    func() time.Time

	// TopN limita TopAddresses e Violations em Stats (padrão 10).
	TopN int
}

// Stats é um retrato best-effort do estado de segurança.
type Stats struct {
	Since        time.Time                  `json:"since"`
	GeneratedAt  time.Time                  `json:"generatedAt"`
	EventsByType map[domain.EventType]int   `json:"eventsByType"`
	TopAddresses []AddressCount             `json:"topAddresses"`
	ActiveBlocks []domain.BlockRecord       `json:"activeBlocks"`
	Suspicious   []domain.SuspiciousAddress `json:"suspicious"`
	Violations   []domain.ViolationRecord   `json:"violations"`
	// Partial indica que alguma fonte falhou e o retrato está incompleto.
	Partial bool `json:"partial"`
}

type AddressCount struct {
	Address string `json:"address"`
	Events  int    `json:"events"`
}

// ResetLimit apaga contador, violações e override de uma limit key
// (`<policy>:<key>`), restaurando a cota padrão na próxima request.
func (a *Admin) ResetLimit(ctx context.Context, limitKey string) error {
	limitKey = strings.TrimSpace(limitKey)
	if limitKey == "" {
		return errors.New("reset limit: empty key")
	}

	err := errors.Join(
		a.Store.Reset(ctx, limitKey),
		a.Store.ClearViolations(ctx, limitKey),
		a.Store.DeleteOverride(ctx, limitKey),
	)
	if err != nil {
		return fmt.Errorf("reset limit %s: %w", limitKey, err)
	}

	a.emit(ctx, domain.SecurityEvent{Type: domain.EventLimitReset, Key: limitKey})
	a.logger().Info("limit reset", zap.String("key", limitKey))
	return nil
}

// Unblock remove o bloqueio imediatamente. ErrNotFound se não havia bloqueio ativo.
func (a *Admin) Unblock(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	existed, err := a.Store.DeleteBlock(ctx, address)
	if err != nil {
		return fmt.Errorf("unblock %s: %w", address, err)
	}
	if !existed {
		return fmt.Errorf("unblock %s: %w", address, domain.ErrNotFound)
	}

	a.emit(ctx, domain.SecurityEvent{Type: domain.EventUnblocked, Address: address})
	a.logger().Info("address unblocked", zap.String("address", address))
	return nil
}

func (a *Admin) Stats(ctx context.Context, timeframe time.Duration) Stats {
	if timeframe <= 0 {
		timeframe = time.Hour
	}
	topN := a.TopN
	if topN <= 0 {
		topN = 10
	}
	now := a.now()
	st := Stats{
		Since:        now.Add(-timeframe),
		GeneratedAt:  now,
		EventsByType: map[domain.EventType]int{},
	}

	if a.Reader != nil {
		events, err := a.Reader.Since(ctx, st.Since)
		if err != nil {
			st.Partial = true
			a.logger().Warn("stats: events unavailable", zap.Error(err))
		}
		byAddr := map[string]int{}
		for _, ev := range events {
			st.EventsByType[ev.Type]++
			if ev.Address != "" {
				byAddr[ev.Address]++
			}
		}
		st.TopAddresses = topAddresses(byAddr, topN)
	}

	var err error
	if st.ActiveBlocks, err = a.Store.ListBlocks(ctx); err != nil {
		st.Partial = true
		a.logger().Warn("stats: blocks unavailable", zap.Error(err))
	}
	if st.Suspicious, err = a.Store.ListSuspicious(ctx); err != nil {
		st.Partial = true
		a.logger().Warn("stats: suspicious unavailable", zap.Error(err))
	}
	if st.Violations, err = a.Store.ListViolations(ctx, topN); err != nil {
		st.Partial = true
		a.logger().Warn("stats: violations unavailable", zap.Error(err))
	}
	return st
}

func topAddresses(byAddr map[string]int, n int) []AddressCount {
	out := make([]AddressCount, 0, len(byAddr))
	for addr, c := range byAddr {
		out = append(out, AddressCount{Address: addr, Events: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Events != out[j].Events {
			return out[i].Events > out[j].Events
		}
		return out[i].Address < out[j].Address
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func (a *Admin) emit(ctx context.Context, ev domain.SecurityEvent) {
	if a.Events == nil {
		return
	}
	ev.ID = ulid.Make().String()
	ev.Timestamp = a.now()
	if err := a.Events.Append(ctx, ev); err != nil {
		a.logger().Debug("security event not recorded", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (a *Admin) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}

func (a *Admin) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

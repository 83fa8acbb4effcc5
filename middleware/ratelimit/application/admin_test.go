package application

import (
	"context"
	"testing"
	"time"

	"guard-gateway/middleware/ratelimit/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmin_StatsAggregatesEventsAndState(t *testing.T) {
	f := newGuardFixture(t)
	p := testPolicy(1, time.Hour, domain.KeyByAddress)
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		f.guard.Evaluate(ctx, p, attacker)
	}
	f.guard.Evaluate(ctx, p, domain.Request{Address: "198.51.100.1"})
	f.guard.Evaluate(ctx, p, domain.Request{Address: "198.51.100.1"})

	st := f.admin.Stats(ctx, time.Hour)
	assert.False(t, st.Partial)
	assert.Equal(t, f.clock.Now().Add(-time.Hour), st.Since)
	assert.Equal(t, 11, st.EventsByType[domain.EventRateLimitExceeded])
	assert.Equal(t, 1, st.EventsByType[domain.EventBlocked])
	require.NotEmpty(t, st.TopAddresses)
	assert.Equal(t, attacker.Address, st.TopAddresses[0].Address)
	require.Len(t, st.ActiveBlocks, 1)
	assert.Equal(t, attacker.Address, st.ActiveBlocks[0].Address)
	require.Len(t, st.Suspicious, 1)
	require.Len(t, st.Violations, 2)
	assert.Equal(t, int64(10), st.Violations[0].Count)
}

func TestAdmin_StatsPartialWhenStoreDown(t *testing.T) {
	f := newGuardFixture(t)
	f.store.SetUnavailable(true)

	st := f.admin.Stats(context.Background(), 0)
	assert.True(t, st.Partial)
	assert.Equal(t, f.clock.Now().Add(-time.Hour), st.Since, "default timeframe is 1h")
}

func TestAdmin_ResetLimitRejectsEmptyKey(t *testing.T) {
	f := newGuardFixture(t)
	assert.Error(t, f.admin.ResetLimit(context.Background(), "  "))
}

func TestAdmin_ResetLimitPropagatesStoreErrors(t *testing.T) {
	f := newGuardFixture(t)
	f.store.SetUnavailable(true)

	err := f.admin.ResetLimit(context.Background(), "test:addr:1.1.1.1")
	assert.True(t, domain.IsStoreUnavailable(err))
	assert.Empty(t, f.events.ByType(domain.EventLimitReset))
}

func TestJanitor_RunOnceSweepsExpiredState(t *testing.T) {
	f := newGuardFixture(t)
	ctx := context.Background()
	j := &Janitor{Store: f.store, Now: f.clock.Now}

	_, err := f.store.RecordViolation(ctx, "test:addr:1", f.clock.Now(), 24*time.Hour)
	require.NoError(t, err)

	n, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(25 * time.Hour)
	n, err = j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	f := newGuardFixture(t)
	j := &Janitor{Store: f.store, Interval: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

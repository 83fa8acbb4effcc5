package infra

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"guard-gateway/middleware/ratelimit/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestMemoryStore_IncrementIsLinearizable(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()

	const n = 200
	results := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _, err := s.Increment(ctx, "auth:k", time.Minute)
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, c := range results {
		require.Equal(t, int64(i+1), c, "expected every count from 1..N exactly once")
	}
}

func TestMemoryStore_CounterExpiresWithWindow(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := NewMemoryStore(WithClock(clk.Now))
	ctx := context.Background()

	c, ttl, err := s.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c)
	assert.Equal(t, time.Minute, ttl)

	clk.Advance(20 * time.Second)
	c, ttl, err = s.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c)
	assert.Equal(t, 40*time.Second, ttl, "TTL is not refreshed on later hits")

	clk.Advance(40 * time.Second)
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, got)

	c, _, err = s.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c)
}

func TestMemoryStore_Unavailable(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	s.SetUnavailable(true)

	_, _, err := s.Increment(context.Background(), "k", time.Minute)
	require.Error(t, err)
	assert.True(t, domain.IsStoreUnavailable(err))

	s.SetUnavailable(false)
	_, _, err = s.Increment(context.Background(), "k", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryStore_ViolationsInactivity(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := NewMemoryStore(WithClock(clk.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.RecordViolation(ctx, "api:addr:1.1.1.1", clk.Now(), time.Hour)
		require.NoError(t, err)
		clk.Advance(50 * time.Minute)
	}
	rec, err := s.Violations(ctx, "api:addr:1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Count, "each violation renews the inactivity TTL")

	clk.Advance(2 * time.Hour)
	rec, err = s.Violations(ctx, "api:addr:1.1.1.1")
	require.NoError(t, err)
	assert.Zero(t, rec.Count)
}

func TestMemoryStore_TightenOverrideNeverLoosens(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := NewMemoryStore(WithClock(clk.Now))
	ctx := context.Background()
	now := clk.Now()

	tight := domain.AdaptiveOverride{Key: "k", MaxRequests: 2, Window: 2 * time.Minute, Level: 2, AppliedAt: now, ExpiresAt: now.Add(time.Hour)}
	loose := domain.AdaptiveOverride{Key: "k", MaxRequests: 5, Window: time.Minute, Level: 1, AppliedAt: now, ExpiresAt: now.Add(time.Hour)}

	_, changed, err := s.TightenOverride(ctx, tight)
	require.NoError(t, err)
	assert.True(t, changed)

	got, changed, err := s.TightenOverride(ctx, loose)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(2), got.MaxRequests)

	clk.Advance(2 * time.Hour)
	_, ok, err := s.Override(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	_, changed, err = s.TightenOverride(ctx, loose)
	require.NoError(t, err)
	assert.True(t, changed, "expired override is replaced")
}

func TestMemoryStore_InvalidOverride(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	s.PutOverride(domain.AdaptiveOverride{Key: "k", MaxRequests: 0, Window: time.Minute, ExpiresAt: time.Now().Add(time.Hour)})

	_, ok, err := s.Override(context.Background(), "k")
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrInvalidOverride)

	_, _, err = s.TightenOverride(context.Background(), domain.AdaptiveOverride{Key: "k"})
	assert.ErrorIs(t, err, domain.ErrInvalidOverride)
}

func TestMemoryStore_BlockSetIfAbsent(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := NewMemoryStore(WithClock(clk.Now))
	ctx := context.Background()

	created, err := s.SetBlock(ctx, domain.BlockRecord{Address: "9.9.9.9", Reason: "first", BlockedAt: clk.Now()}, time.Hour)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.SetBlock(ctx, domain.BlockRecord{Address: "9.9.9.9", Reason: "second", BlockedAt: clk.Now()}, time.Hour)
	require.NoError(t, err)
	assert.False(t, created)

	rec, ok, err := s.Block(ctx, "9.9.9.9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", rec.Reason)
	assert.Equal(t, clk.Now().Add(time.Hour), rec.ExpiresAt)

	clk.Advance(time.Hour)
	_, ok, err = s.Block(ctx, "9.9.9.9")
	require.NoError(t, err)
	assert.False(t, ok, "block expires at ExpiresAt")

	existed, err := s.DeleteBlock(ctx, "9.9.9.9")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestMemoryStore_MarkSuspiciousFirstOnly(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := NewMemoryStore(WithClock(clk.Now))
	ctx := context.Background()

	first, err := s.MarkSuspicious(ctx, "1.2.3.4", clk.Now(), time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = s.MarkSuspicious(ctx, "1.2.3.4", clk.Now(), time.Hour)
	require.NoError(t, err)
	assert.False(t, first)

	list, err := s.ListSuspicious(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "1.2.3.4", list[0].Address)
}

func TestMemoryStore_Sweep(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := NewMemoryStore(WithClock(clk.Now))
	ctx := context.Background()
	now := clk.Now()

	_, _, _ = s.Increment(ctx, "c", time.Minute)
	_, _ = s.RecordViolation(ctx, "v", now, time.Minute)
	_, _, _ = s.TightenOverride(ctx, domain.AdaptiveOverride{Key: "o", MaxRequests: 1, Window: time.Minute, AppliedAt: now, ExpiresAt: now.Add(time.Minute)})
	_, _ = s.SetBlock(ctx, domain.BlockRecord{Address: "b", BlockedAt: now}, time.Minute)
	_, _ = s.MarkSuspicious(ctx, "s", now, time.Minute)

	n, err := s.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Sweep(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

package infra

import (
	"context"
	"testing"
	"time"

	"guard-gateway/middleware/ratelimit/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEventSink_RetentionAndSince(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := NewMemoryEventSink(WithRetention(time.Hour), WithEventClock(clk.Now))
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, domain.SecurityEvent{ID: "1", Type: domain.EventRateLimitExceeded}))
	clk.Advance(30 * time.Minute)
	require.NoError(t, s.Append(ctx, domain.SecurityEvent{ID: "2", Type: domain.EventBlocked}))

	got, err := s.Since(ctx, clk.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].ID)

	clk.Advance(45 * time.Minute)
	got, err = s.Since(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1, "first event is past retention")
	assert.Len(t, s.ByType(domain.EventBlocked), 1)
}

func TestRedisEventSink_AppendSinceTotals(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := NewRedisEventSink(rdb, WithEventsPrefix("test:events"), WithEventsRetention(time.Hour))
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Append(ctx, domain.SecurityEvent{ID: "old", Type: domain.EventRateLimitExceeded, Timestamp: now.Add(-10 * time.Minute)}))
	require.NoError(t, s.Append(ctx, domain.SecurityEvent{ID: "a", Type: domain.EventRateLimitExceeded, Timestamp: now, Address: "1.1.1.1"}))
	require.NoError(t, s.Append(ctx, domain.SecurityEvent{ID: "b", Type: domain.EventBlocked, Timestamp: now, Address: "1.1.1.1"}))

	got, err := s.Since(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1.1.1.1", got[0].Address)

	totals, err := s.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), totals[domain.EventRateLimitExceeded])
	assert.Equal(t, int64(1), totals[domain.EventBlocked])

	bucket := "test:events:minute:" + now.UTC().Format("200601021504")
	assert.True(t, mr.Exists(bucket))
}

func TestChanPool_AcquireRespectsCapacity(t *testing.T) {
	t.Parallel()
	p := NewChanPool(1)

	release, ok := p.Acquire(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, p.InUse())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok = p.Acquire(ctx)
	assert.False(t, ok, "pool is full")

	release()
	release()
	assert.Zero(t, p.InUse())
	assert.Equal(t, 1, p.Cap())

	done, cancelDone := context.WithCancel(context.Background())
	cancelDone()
	_, ok = p.Acquire(done)
	assert.False(t, ok, "canceled context never acquires")
}

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Decision("auth", "denied")
	m.Decision("auth", "denied")
	m.StoreError("increment")
	m.Escalation("block")
	m.EventDropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("auth", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeErrors.WithLabelValues("increment")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.escalations.WithLabelValues("block")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.Decision("x", "allowed") })
}

func TestChanPool_TryAcquireNeverBlocks(t *testing.T) {
	t.Parallel()
	p := NewChanPool(1)

	release, ok := p.TryAcquire()
	require.True(t, ok)

	_, ok = p.TryAcquire()
	assert.False(t, ok, "pool is full")

	release()
	release()
	assert.Zero(t, p.InUse())

	_, ok = p.TryAcquire()
	assert.True(t, ok)
}

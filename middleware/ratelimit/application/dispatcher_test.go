package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"guard-gateway/middleware/ratelimit/domain"
	"guard-gateway/middleware/ratelimit/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingPool struct {
}

func (p *blockingPool) Acquire(ctx context.Context) (func(), bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case <-time.After(5 * time.Second):
		// não deve chegar aqui nos testes
		return nil, false
	}
}

type immediatePool struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (p *immediatePool) Acquire(ctx context.Context) (func(), bool) {
	p.mu.Lock()
	p.acquired++
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.released++
		p.mu.Unlock()
	}, true
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.SecurityEvent
	ctxErr error
}

func (s *recordingSink) Append(ctx context.Context, ev domain.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErr = ctx.Err()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type countingRecorder struct {
	nopRecorder
	mu      sync.Mutex
	dropped int
}

func (r *countingRecorder) EventDropped() {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
}

func TestDispatcher_SyncWhenNoPool(t *testing.T) {
	sink := &recordingSink{}
	d := &Dispatcher{Sink: sink}

	require.NoError(t, d.Append(context.Background(), domain.SecurityEvent{ID: "1"}))
	assert.Equal(t, 1, sink.len())
}

func TestDispatcher_DropsWhenSaturated(t *testing.T) {
	sink := &recordingSink{}
	rec := &countingRecorder{}
	d := &Dispatcher{Sink: sink, Pool: &blockingPool{}, AcquireTimeout: 10 * time.Millisecond, Recorder: rec}

	start := time.Now()
	err := d.Append(context.Background(), domain.SecurityEvent{ID: "1"})
	assert.ErrorIs(t, err, ErrEventDropped)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, rec.dropped)
	assert.Zero(t, sink.len())
}

func TestDispatcher_AsyncReleasesSlot(t *testing.T) {
	sink := &recordingSink{}
	pool := &immediatePool{}
	d := &Dispatcher{Sink: sink, Pool: pool}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Append(ctx, domain.SecurityEvent{ID: "1"}))
	cancel()
	d.Wait()

	assert.Equal(t, 1, sink.len())
	assert.NoError(t, sink.ctxErr, "request cancellation must not cancel the write")
	assert.Equal(t, 1, pool.acquired)
	assert.Equal(t, 1, pool.released)
}

func TestDispatcher_SaturatedTryPoolDropsWithoutWaiting(t *testing.T) {
	pool := infra.NewChanPool(1)
	hold, ok := pool.Acquire(context.Background())
	require.True(t, ok)
	defer hold()

	rec := &countingRecorder{}
	d := &Dispatcher{Sink: &recordingSink{}, Pool: pool, Recorder: rec}

	start := time.Now()
	for i := 0; i < 4; i++ {
		assert.ErrorIs(t, d.Append(context.Background(), domain.SecurityEvent{ID: "x"}), ErrEventDropped)
	}
	assert.Less(t, time.Since(start), 20*time.Millisecond, "no wait for a slot on the request path")
	assert.Equal(t, 4, rec.dropped)
}

func TestDispatcher_AcquireWaitIsCapped(t *testing.T) {
	pool := infra.NewChanPool(1)
	hold, ok := pool.Acquire(context.Background())
	require.True(t, ok)
	defer hold()

	d := &Dispatcher{Sink: &recordingSink{}, Pool: pool, AcquireTimeout: time.Hour}

	start := time.Now()
	assert.ErrorIs(t, d.Append(context.Background(), domain.SecurityEvent{ID: "x"}), ErrEventDropped)
	assert.Less(t, time.Since(start), MaxEventAcquireWait+50*time.Millisecond)
}

func TestDispatcher_TryPoolWritesWhenFree(t *testing.T) {
	sink := &recordingSink{}
	pool := infra.NewChanPool(2)
	d := &Dispatcher{Sink: sink, Pool: pool}

	require.NoError(t, d.Append(context.Background(), domain.SecurityEvent{ID: "1"}))
	d.Wait()
	assert.Equal(t, 1, sink.len())
	assert.Zero(t, pool.InUse())
}

package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"guard-gateway/middleware/ratelimit/application"
	"guard-gateway/middleware/ratelimit/domain"
	"guard-gateway/middleware/ratelimit/infra"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdminServer(t *testing.T) (*httptest.Server, *infra.MemoryStore, *infra.MemoryEventSink) {
	t.Helper()
	store := infra.NewMemoryStore()
	events := infra.NewMemoryEventSink()
	admin := &application.Admin{Store: store, Events: events, Reader: events}

	r := chi.NewRouter()
	r.Mount("/admin", AdminRoutes(admin, "s3cret"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store, events
}

func adminDo(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func TestAdminRoutes_RequiresToken(t *testing.T) {
	srv, _, _ := newAdminServer(t)

	res := adminDo(t, http.MethodGet, srv.URL+"/admin/stats", "", "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = adminDo(t, http.MethodGet, srv.URL+"/admin/stats", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = adminDo(t, http.MethodGet, srv.URL+"/admin/stats", "s3cret", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestAdminRoutes_EmptyTokenDisablesAdmin(t *testing.T) {
	store := infra.NewMemoryStore()
	h := AdminRoutes(&application.Admin{Store: store}, "")

	r := httptest.NewRequest(http.MethodGet, "/stats", nil)
	r.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutes_ResetAndUnblock(t *testing.T) {
	srv, store, events := newAdminServer(t)
	ctx := context.Background()

	_, _, err := store.Increment(ctx, "auth:addr:1.1.1.1", time.Minute)
	require.NoError(t, err)
	_, err = store.SetBlock(ctx, domain.BlockRecord{Address: "1.1.1.1", Reason: "test", BlockedAt: time.Now()}, time.Hour)
	require.NoError(t, err)

	res := adminDo(t, http.MethodPost, srv.URL+"/admin/limits/reset", "s3cret", `{"key":"auth:addr:1.1.1.1"}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	n, err := store.Get(ctx, "auth:addr:1.1.1.1")
	require.NoError(t, err)
	assert.Zero(t, n)

	res = adminDo(t, http.MethodPost, srv.URL+"/admin/limits/reset", "s3cret", `{}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = adminDo(t, http.MethodDelete, srv.URL+"/admin/blocks/1.1.1.1", "s3cret", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	_, ok, err := store.Block(ctx, "1.1.1.1")
	require.NoError(t, err)
	assert.False(t, ok)

	res = adminDo(t, http.MethodDelete, srv.URL+"/admin/blocks/1.1.1.1", "s3cret", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	assert.Len(t, events.ByType(domain.EventLimitReset), 1)
	assert.Len(t, events.ByType(domain.EventUnblocked), 1)
}

func TestAdminRoutes_Stats(t *testing.T) {
	srv, store, _ := newAdminServer(t)
	_, err := store.SetBlock(context.Background(), domain.BlockRecord{Address: "2.2.2.2", Reason: "test", BlockedAt: time.Now()}, time.Hour)
	require.NoError(t, err)

	res := adminDo(t, http.MethodGet, srv.URL+"/admin/stats?timeframe=30m", "s3cret", "")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var st application.Stats
	require.NoError(t, json.NewDecoder(res.Body).Decode(&st))
	require.Len(t, st.ActiveBlocks, 1)
	assert.Equal(t, "2.2.2.2", st.ActiveBlocks[0].Address)
	assert.WithinDuration(t, time.Now().Add(-30*time.Minute), st.Since, 5*time.Second)

	res = adminDo(t, http.MethodGet, srv.URL+"/admin/stats?timeframe=banana", "s3cret", "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHealthHandler(t *testing.T) {
	store := infra.NewMemoryStore()
	h := HealthHandler(store, 0)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body healthBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Services["counter_store"])

	store.SetUnavailable(true)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code, "gateway keeps serving while degraded")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "unhealthy", body.Services["counter_store"])
}

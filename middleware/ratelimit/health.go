package ratelimit

import (
	"context"
	"net/http"
	"time"
)

// Pinger é o mínimo que o health check precisa do storage.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthBody struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// HealthHandler reporta "healthy" ou "degraded" (storage fora do ar). Sempre 200:
// o gateway continua servindo em fail-open.
func HealthHandler(store Pinger, timeout time.Duration) http.HandlerFunc {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return func(w http.ResponseWriter, r *http.Request) {
		body := healthBody{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Services:  map[string]string{"counter_store": "healthy"},
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if store == nil || store.Ping(ctx) != nil {
			body.Status = "degraded"
			body.Services["counter_store"] = "unhealthy"
		}
		writeJSON(w, http.StatusOK, body)
	}
}

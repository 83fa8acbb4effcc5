package ratelimit

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"guard-gateway/middleware/ratelimit/application"
	"guard-gateway/middleware/ratelimit/domain"

	"github.com/go-chi/chi/v5"
)

// AdminRoutes expõe reset/unblock/stats protegidos por bearer token.
//
//	POST   /limits/reset        {"key": "<policy>:<key>"}
//	DELETE /blocks/{address}
//	GET    /stats?timeframe=1h
//
// Monte com r.Mount("/admin", AdminRoutes(...)).
func AdminRoutes(admin *application.Admin, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(bearerAuth(token))

	r.Post("/limits/reset", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Key string `json:"key"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&body); err != nil || strings.TrimSpace(body.Key) == "" {
			writeAdminError(w, http.StatusBadRequest, "body must be {\"key\": \"<policy>:<key>\"}")
			return
		}
		if err := admin.ResetLimit(r.Context(), body.Key); err != nil {
			writeAdminError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "key": body.Key})
	})

	r.Delete("/blocks/{address}", func(w http.ResponseWriter, r *http.Request) {
		address := chi.URLParam(r, "address")
		if err := admin.Unblock(r.Context(), address); err != nil {
			writeAdminError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "address": address})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		timeframe := time.Hour
		if raw := r.URL.Query().Get("timeframe"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				writeAdminError(w, http.StatusBadRequest, "timeframe must be a positive duration like 1h or 30m")
				return
			}
			timeframe = d
		}
		writeJSON(w, http.StatusOK, admin.Stats(r.Context(), timeframe))
	})

	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeAdminError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsStoreUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func writeAdminError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

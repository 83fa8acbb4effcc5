package ratelimit

import (
	"encoding/json"
	"net/http"
	"time"

	"guard-gateway/middleware/ratelimit/domain"
)

const blockedMessage = "Access temporarily blocked due to repeated rate limit violations."

// denyBody é o corpo JSON de 429/403.
type denyBody struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
	Limit      int64  `json:"limit,omitempty"`
	Remaining  int64  `json:"remaining"`
	ResetTime  string `json:"resetTime,omitempty"`
	ExpiresAt  string `json:"expiresAt,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Contact    string `json:"contact,omitempty"`
}

func setQuotaHeaders(h http.Header, d domain.Decision) {
	h.Set("X-RateLimit-Limit", formatInt64(d.Limit))
	h.Set("X-RateLimit-Remaining", formatInt64(d.Remaining))
	h.Set("X-RateLimit-Reset", formatInt64(d.ResetAt.Unix()))
}

func writeLimited(w http.ResponseWriter, p domain.Policy, d domain.Decision, now time.Time) {
	retry := retryAfterSeconds(d.RetryAfter(now))
	w.Header().Set("Retry-After", formatInt64(retry))

	status := p.StatusCode
	if status == 0 {
		status = domain.DefaultStatusCode
	}
	writeJSON(w, status, denyBody{
		Error:      "rate_limit_exceeded",
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    p.Message,
		RetryAfter: retry,
		Limit:      d.Limit,
		ResetTime:  d.ResetAt.UTC().Format(time.RFC3339),
	})
}

func writeBlocked(w http.ResponseWriter, b domain.BlockRecord, contact string, now time.Time) {
	retry := retryAfterSeconds(b.ExpiresAt.Sub(now))
	w.Header().Set("Retry-After", formatInt64(retry))

	writeJSON(w, http.StatusForbidden, denyBody{
		Error:      "ip_blocked",
		Code:       "IP_BLOCKED",
		Message:    blockedMessage,
		RetryAfter: retry,
		ExpiresAt:  b.ExpiresAt.UTC().Format(time.RFC3339),
		Reason:     b.Reason,
		Contact:    contact,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

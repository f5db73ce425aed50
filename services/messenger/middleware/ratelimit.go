package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	redisstore "github.com/ramiqadoumi/go-messenger/internal/redis"
	"github.com/ramiqadoumi/go-messenger/pkg/telemetry"
)

// IdempotencyHeader carries the caller's idempotency key.
const IdempotencyHeader = "X-Idempotency-Key"

// RateLimit limits message creation per username. The username is read from
// the JSON body, which is restored for the next handler. Requests without a
// username are left for the handler to reject. Retries carrying the same
// idempotency key are charged once per window, so a client replaying a
// completed request gets its cached response rather than 429. When the
// limiter itself fails the request is let through and a warning is logged.
func RateLimit(limiter redisstore.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			var peek struct {
				Username string `json:"username"`
			}
			if json.Unmarshal(body, &peek) != nil || peek.Username == "" {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := limiter.Allow(r.Context(), peek.Username, r.Header.Get(IdempotencyHeader))
			if err != nil {
				Logger(r.Context()).Warn("rate limiter unavailable, allowing request",
					slog.String("username", peek.Username),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				telemetry.APIRateLimited.Inc()
				Logger(r.Context()).Info("rate limit exceeded", slog.String("username", peek.Username))
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

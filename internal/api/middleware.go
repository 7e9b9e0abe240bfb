package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/haven-health/beacon/internal/metrics"
	"github.com/haven-health/beacon/internal/redis"
)

// RateLimitMiddleware enforces the per-key creation limit. It is mounted on
// the alert creation route only; response submission is never rate limited.
// A nil limiter (Redis unavailable) and limiter errors both fail open: in
// this service dropping a crisis signal is worse than letting a burst through.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if limiter != nil {
				key = keyFunc(r)
			}
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection(key)
				writeRateLimited(w, result.ResetAt)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, resetAt time.Time) {
	w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())))
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   "rate_limit_exceeded",
		Title:  "Too Many Requests",
		Status: http.StatusTooManyRequests,
		Detail: "Rate limit exceeded. Please retry after the specified time.",
	})
}

// SubjectKeyFunc keys the limit on the X-Subject-ID header, so one subject
// in distress cannot exhaust the budget of another.
func SubjectKeyFunc(r *http.Request) string {
	if id := r.Header.Get("X-Subject-ID"); id != "" {
		return "subject:" + id
	}
	return ""
}

// IPKeyFunc falls back to the client address when no subject is identified.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}

package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/kubilitics/team-onboarding/internal/pkg/logger"
)

// writeLimiter keeps one token bucket per caller identity for mutating requests.
type writeLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func (l *writeLimiter) get(actor string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[actor]; ok {
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.limiters[actor] = lim
	return lim
}

// RateLimitWrites limits POST, PUT, PATCH and DELETE requests to perMinute per caller
// identity. Reads are never limited. perMinute <= 0 disables the limit.
func RateLimitWrites(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	l := &writeLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				next.ServeHTTP(w, r)
				return
			}
			if !l.get(logger.ActorFromContext(r.Context())).Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(60/perMinute+1))
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":      "rate limit exceeded",
					"code":       "RATE_LIMIT_EXCEEDED",
					"request_id": logger.FromContext(r.Context()),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

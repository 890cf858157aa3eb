package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "channelops_ratelimit_decisions_total",
	Help: "Rate limit decisions, labeled by policy name and outcome",
}, []string{"policy", "result"})

// KeyFunc derives the limiter key for a request. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

// Middleware enforces policy on every request whose key is non-empty.
// Limiter errors fail open so a Redis outage does not take the API down.
func Middleware(l Limiter, name string, policy Policy, keyFn KeyFunc, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			res, err := l.Check(r.Context(), key, policy.Window, policy.Max)
			if err != nil {
				decisionsTotal.WithLabelValues(name, "error").Inc()
				log.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				decisionsTotal.WithLabelValues(name, "rejected").Inc()
				retry := int(math.Ceil(res.RetryAfter(time.Now()).Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error":       "Too many requests",
					"retry_after": retry,
				})
				return
			}

			decisionsTotal.WithLabelValues(name, "allowed").Inc()
			next.ServeHTTP(w, r)
		})
	}
}

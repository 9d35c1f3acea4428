package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/marketlens/backend/internal/metrics"
	"github.com/marketlens/backend/internal/ratelimit"
)

// CodeRateLimited is the error code for throttled requests
const CodeRateLimited = "RATE_LIMITED"

// RateLimit returns a middleware applying the rule per client IP for
// one endpoint class. Service-level limits keyed by email are applied
// separately inside the auth service; this layer only throttles by
// source address.
func RateLimit(limiter *ratelimit.Limiter, class string, rule ratelimit.Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := fmt.Sprintf("%s:ip:%s", class, clientIP(r))
			d := limiter.Allow(r.Context(), key, rule)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				metrics.RateLimitDecisionsTotal.WithLabelValues(class, "denied").Inc()
				retryAfter := int(d.RetryAfter/time.Second) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many requests, slow down")
				return
			}

			metrics.RateLimitDecisionsTotal.WithLabelValues(class, "allowed").Inc()
			if d.ChallengeRequired {
				w.Header().Set("X-Challenge-Required", "true")
			}
			next.ServeHTTP(w, r)
		})
	}
}

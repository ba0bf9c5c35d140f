package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"downloadgate/pkg/response"
)

// Throttle is the subset of ratelimit.Throttle used by HTTP middleware.
type Throttle interface {
	Hit(ctx context.Context, identity string) (int64, error)
	TooManyAttempts(ctx context.Context, identity string) (bool, error)
	AvailableIn(ctx context.Context, identity string) (time.Duration, error)
}

// RateLimit counts every request against t, keyed by client IP. Store errors
// fail open.
func RateLimit(t Throttle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			ctx := r.Context()

			locked, err := t.TooManyAttempts(ctx, ip)
			if err != nil {
				log.Warn().Err(err).Str("ip", ip).Msg("rate limit store unavailable")
				next.ServeHTTP(w, r)
				return
			}
			if locked {
				wait, _ := t.AvailableIn(ctx, ip)
				log.Info().Str("ip", ip).Dur("retry_after", wait).Msg("rate limit exceeded")
				TooManyRequests(w, wait)
				return
			}
			if _, err := t.Hit(ctx, ip); err != nil {
				log.Warn().Err(err).Str("ip", ip).Msg("rate limit hit not recorded")
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TooManyRequests writes a 429 with Retry-After rounded up to whole seconds.
func TooManyRequests(w http.ResponseWriter, wait time.Duration) {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	response.ErrorCode(w, http.StatusTooManyRequests, "TooManyAttempts", "too many attempts, retry in "+strconv.Itoa(secs)+"s")
}

func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

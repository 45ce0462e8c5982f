package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mercadofree/mercadofree-backend/api/responses"
	pkgerrors "github.com/mercadofree/mercadofree-backend/pkg/errors"
	"github.com/mercadofree/mercadofree-backend/pkg/logger"
	"github.com/mercadofree/mercadofree-backend/pkg/redis"
)

// RateLimitPolicy is a fixed-window budget per authenticated user.
type RateLimitPolicy struct {
	Name   string
	Limit  int
	Window time.Duration
}

func (p RateLimitPolicy) enabled() bool {
	return p.Limit > 0 && p.Window > 0
}

// UserRateLimit throttles a route per user id. It runs after Auth; anonymous
// requests pass through untouched.
func UserRateLimit(policy RateLimitPolicy, limiter redis.RateLimiter, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			userID := UserIDFromContext(ctx)
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}

			win, err := limiter.FixedWindowAllow(ctx, policy.Name+":"+userID, int64(policy.Limit), policy.Window)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(policy.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(win.Remaining(), 10))
			if !win.Allowed {
				if logg != nil {
					logCtx := logg.WithFields(ctx, map[string]any{
						"policy":   policy.Name,
						"attempts": win.Count,
						"limit":    policy.Limit,
						"reset_ms": win.ResetIn.Milliseconds(),
					})
					logg.Warn(logCtx, "rate_limit.blocked")
				}
				w.Header().Set("Retry-After", retryAfter(win.ResetIn, policy.Window))
				responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfter rounds the time left in the window up to whole seconds, falling
// back to the full window when the limiter did not report it.
func retryAfter(resetIn, window time.Duration) string {
	if resetIn <= 0 {
		resetIn = window
	}
	seconds := int((resetIn + time.Second - 1) / time.Second)
	return strconv.Itoa(max(seconds, 1))
}

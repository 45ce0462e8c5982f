package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mercadofree/mercadofree-backend/internal/orders"
	"github.com/mercadofree/mercadofree-backend/pkg/logger"
)

// path parameters copied onto the access log line
var loggedParams = map[string]string{
	"orderId":   "order_id",
	"paymentId": "payment_id",
}

// requestTrace is shared between Logging and the handlers below it so the
// access line can name the actor that Auth resolved further down the chain.
type requestTrace struct {
	mu    sync.Mutex
	actor *orders.Actor
}

type traceKey struct{}

func traceActor(ctx context.Context, actor orders.Actor) {
	trace, ok := ctx.Value(traceKey{}).(*requestTrace)
	if !ok {
		return
	}
	trace.mu.Lock()
	trace.actor = &actor
	trace.mu.Unlock()
}

func (t *requestTrace) tracedActor() (orders.Actor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.actor == nil {
		return orders.Actor{}, false
	}
	return *t.actor, true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Logging writes one access line per request with the matched route, the order
// or payment named in the path and the authenticated actor.
func Logging(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logg == nil {
				next.ServeHTTP(w, r)
				return
			}

			trace := &requestTrace{}
			ctx := context.WithValue(r.Context(), traceKey{}, trace)
			ctx = logg.WithFields(ctx, map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
			})

			rec := &statusRecorder{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(ctx))

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			fields := map[string]any{
				"status":      status,
				"duration_ms": time.Since(start).Milliseconds(),
			}
			if rctx := chi.RouteContext(ctx); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					fields["route"] = pattern
				}
				for param, field := range loggedParams {
					if value := rctx.URLParam(param); value != "" {
						fields[field] = value
					}
				}
			}
			if actor, ok := trace.tracedActor(); ok {
				fields["user_id"] = actor.UserID.String()
				fields["actor_role"] = actor.Role.String()
			}
			ctx = logg.WithFields(ctx, fields)

			if status >= http.StatusInternalServerError {
				logg.Warn(ctx, "request.failed")
				return
			}
			logg.Info(ctx, "request.complete")
		})
	}
}

package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mercadofree/mercadofree-backend/api/controllers"
	"github.com/mercadofree/mercadofree-backend/api/middleware"
	"github.com/mercadofree/mercadofree-backend/internal/orders"
	"github.com/mercadofree/mercadofree-backend/internal/payments"
	"github.com/mercadofree/mercadofree-backend/pkg/config"
	"github.com/mercadofree/mercadofree-backend/pkg/db"
	"github.com/mercadofree/mercadofree-backend/pkg/enums"
	"github.com/mercadofree/mercadofree-backend/pkg/logger"
	"github.com/mercadofree/mercadofree-backend/pkg/redis"
)

// Store is the Redis surface the HTTP layer needs.
type Store interface {
	redis.Pinger
	redis.IdempotencyStore
	redis.RateLimiter
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	store Store,
	gatherer prometheus.Gatherer,
	ordersSvc orders.Service,
	paymentsSvc payments.Service,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	checkoutPolicy := middleware.RateLimitPolicy{
		Name:   "checkout",
		Limit:  cfg.Orders.CheckoutRateLimit,
		Window: cfg.Orders.CheckoutRateWindow,
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"db":    dbP,
			"redis": store,
		}))
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(store, logg))

		r.Route("/orders", func(r chi.Router) {
			r.With(middleware.UserRateLimit(checkoutPolicy, store, logg)).Post("/", controllers.Checkout(ordersSvc, logg))
			r.Get("/", controllers.ListOrders(ordersSvc, logg))
			r.Get("/mine", controllers.ListMyOrders(ordersSvc, logg))
			r.Route("/{orderId}", func(r chi.Router) {
				r.Get("/", controllers.GetOrder(ordersSvc, logg))
				r.Get("/history", controllers.OrderHistory(ordersSvc, logg))
				r.Post("/cancel", controllers.CancelOrder(ordersSvc, logg))
				r.Post("/auto-process", controllers.AutoProcessOrder(ordersSvc, logg))
				r.With(middleware.RequireRole(enums.ActorRoleStaff, logg)).Post("/status", controllers.UpdateOrderStatus(ordersSvc, logg))
			})
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", controllers.CreatePayment(paymentsSvc, logg))
			r.Get("/", controllers.ListPayments(paymentsSvc, logg))
			r.Get("/{paymentId}", controllers.GetPayment(paymentsSvc, logg))
			r.Post("/{paymentId}/simulate-approval", controllers.SimulateApproval(paymentsSvc, logg))
		})
	})

	return r
}

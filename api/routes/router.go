package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/keymart-backend/api/controllers"
	"github.com/angelmondragon/keymart-backend/api/middleware"
	"github.com/angelmondragon/keymart-backend/internal/payments"
	"github.com/angelmondragon/keymart-backend/internal/wallet"
	"github.com/angelmondragon/keymart-backend/pkg/config"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
	"github.com/angelmondragon/keymart-backend/pkg/metrics"
)

// RouterParams carries the services the HTTP surface exposes.
type RouterParams struct {
	Config      *config.Config
	Logger      *logger.Logger
	Queue       payments.Queue
	Wallet      wallet.Service
	Idempotency middleware.IdempotencyStore
	Ready       map[string]controllers.Pinger
	Gatherer    prometheus.Gatherer
	Metrics     *metrics.HTTPMetrics
}

func NewRouter(p RouterParams) http.Handler {
	cfg, logg := p.Config, p.Logger
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID(logg),
		middleware.Logging(logg, p.Metrics),
		middleware.Recoverer(logg, p.Metrics),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, p.Ready))
	})

	if p.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{}))
	}

	idem := middleware.Idempotency(p.Idempotency, logg)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireUser(logg))

		r.With(idem).Post("/payments", controllers.SubmitCart(p.Queue, logg))
		r.Get("/payments/{paymentId}", controllers.PaymentStatus(p.Queue, logg))

		r.Get("/wallet", controllers.WalletBalance(p.Wallet, logg))
		r.Get("/wallet/movements", controllers.WalletMovements(p.Wallet, logg))
		r.With(idem).Post("/wallet/deposit", controllers.WalletDeposit(p.Wallet, logg))
		r.With(idem).Post("/wallet/withdraw", controllers.WalletWithdraw(p.Wallet, logg))
	})

	return r
}

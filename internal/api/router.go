package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"

	"github.com/sableintel/humint-escrow/internal/api/handler"
	"github.com/sableintel/humint-escrow/internal/api/middleware"
	"github.com/sableintel/humint-escrow/internal/api/spec"
	"github.com/sableintel/humint-escrow/internal/config"
	"github.com/sableintel/humint-escrow/internal/idempotency"
	"github.com/sableintel/humint-escrow/internal/service"
)

// Router assembles the HTTP surface: source-facing withdrawal endpoints,
// admin operations and the operational endpoints (health, metrics, docs).
type Router struct {
	cfg           *config.Config
	logger        *zap.Logger
	db            *pgxpool.Pool
	redis         redis.Cmdable
	idemStore     *idempotency.Store
	escrowSvc     *service.EscrowService
	withdrawalSvc *service.WithdrawalService
	payoutSvc     *service.PayoutService
}

func NewRouter(
	cfg *config.Config,
	logger *zap.Logger,
	db *pgxpool.Pool,
	redisClient redis.Cmdable,
	idemStore *idempotency.Store,
	escrowSvc *service.EscrowService,
	withdrawalSvc *service.WithdrawalService,
	payoutSvc *service.PayoutService,
) *Router {
	return &Router{
		cfg:           cfg,
		logger:        logger,
		db:            db,
		redis:         redisClient,
		idemStore:     idemStore,
		escrowSvc:     escrowSvc,
		withdrawalSvc: withdrawalSvc,
		payoutSvc:     payoutSvc,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))

	healthHandler := handler.NewHealthHandler(api.db, api.redis)
	escrowHandler := handler.NewEscrowHandler(api.escrowSvc)
	withdrawalHandler := handler.NewWithdrawalHandler(api.withdrawalSvc)
	payoutHandler := handler.NewPayoutHandler(api.payoutSvc)

	// Operational endpoints, unauthenticated.
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Get("/healthz", healthHandler.Live)
		r.Get("/readyz", healthHandler.Ready)
		r.Get("/openapi.yaml", spec.OpenAPIHandler())
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	})
	r.Handle("/metrics", promhttp.Handler())

	idem := middleware.IdempotencyMiddleware(api.idemStore, api.logger)

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		r.Get("/v1/escrow/{source_id}/balance", escrowHandler.GetBalance)
		r.Get("/v1/escrow/{source_id}/transactions", escrowHandler.GetStatement)

		r.With(idem).Post("/v1/withdrawals", withdrawalHandler.RequestWithdrawal)
		r.Get("/v1/withdrawals/{id}", withdrawalHandler.GetWithdrawal)

		// Admin surface.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole("admin"))
			r.With(idem).Post("/v1/escrow/{source_id}/credits", escrowHandler.CreditSource)
			r.Get("/v1/admin/payouts/status", payoutHandler.Status)
			r.Post("/v1/admin/payouts/run", payoutHandler.RunOnce)
		})
	})

	return r
}

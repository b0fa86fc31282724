package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/cardledger/internal/cards"
	"github.com/congo-pay/cardledger/internal/config"
	"github.com/congo-pay/cardledger/internal/dispute"
	"github.com/congo-pay/cardledger/internal/funding"
	"github.com/congo-pay/cardledger/internal/middleware"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger

	Cards    *cards.Handler
	Funding  *funding.Handler
	Disputes *dispute.Handler
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID := middleware.RequestIDFrom(c)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Provider callbacks carry no user identity; they are signed instead.
	RegisterWebhookRoutes(api.Group("/webhooks", middleware.SignedWebhook(d.Cfg.WebhookSecret)), d)

	user := []fiber.Handler{middleware.TrustedUser()}
	if d.Cache != nil {
		user = append(user, middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	RegisterCardRoutes(api.Group("/cards", user...), d.Cards, d.Funding)
	RegisterDisputeRoutes(api.Group("/transactions", user...), api.Group("/disputes", user...), d)
	RegisterOpsRoutes(api.Group("/ops", middleware.OperatorToken(d.Cfg.OpsToken)), d)
}

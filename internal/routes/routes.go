package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/settlement/internal/config"
	"github.com/congo-pay/settlement/internal/handler"
	"github.com/congo-pay/settlement/internal/metrics"
	"github.com/congo-pay/settlement/internal/middleware"
	"github.com/congo-pay/settlement/internal/settlement"
	"github.com/congo-pay/settlement/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes. DB, Cache, NATS, Wallets and
// Metrics are optional.
type Deps struct {
	Cfg         config.Config
	DB          *pgxpool.Pool
	Cache       *redis.Client
	NATS        *nats.Conn
	Logger      *slog.Logger
	Coordinator *settlement.Coordinator
	Wallets     *wallet.Service
	Metrics     *metrics.Metrics
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Coordinator == nil {
		return fmt.Errorf("coordinator is required")
	}
	// Enforce DB/Redis presence outside of dev, even though config also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.CorrelationID())
	var observer middleware.HTTPObserver
	if d.Metrics != nil {
		observer = d.Metrics
	}
	app.Use(middleware.Audit(d.Logger, observer))

	// Health and metrics
	RegisterHealthRoutes(app, d)
	if d.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(d.Metrics.Handler()))
	}

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":         "ok",
			"correlation_id": middleware.GetCorrelationID(c),
			"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	settlements := handler.NewSettlements(d.Coordinator)
	RegisterSettlementRoutes(api, settlements, SettlementGuards{
		InFlight:  middleware.InFlight(d.Cache, d.Cfg.InFlightTTL, d.Logger),
		RateLimit: middleware.OwnerRateLimit(d.Cache, d.Cfg.RateLimitPerMin),
		Operator:  middleware.OperatorAuth(d.Cfg.OperatorToken),
	})
	RegisterWireRoutes(api, settlements, middleware.OperatorAuth(d.Cfg.OperatorToken))
	api.Get("/balances/:owner/:asset", settlements.Balance)

	if d.Wallets != nil {
		RegisterWalletRoutes(api, wallet.NewHandler(d.Wallets))
	}

	return nil
}

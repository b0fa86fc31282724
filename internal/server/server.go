package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/cardledger/internal/cards"
	"github.com/congo-pay/cardledger/internal/config"
	"github.com/congo-pay/cardledger/internal/dispute"
	"github.com/congo-pay/cardledger/internal/funding"
	"github.com/congo-pay/cardledger/internal/middleware"
	"github.com/congo-pay/cardledger/internal/routes"
)

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app      *fiber.App
	cfg      config.Config
	services *Services
}

// New builds the services and the HTTP application. db and cache may be nil
// in development, in which case in-memory backends are used.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	if !cfg.IsDevelopment() && (db == nil || cache == nil) {
		return nil, fmt.Errorf("postgres and redis are required when APP_ENV=%s", cfg.AppEnv)
	}
	services := NewServices(cfg, db, cache, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: middleware.ErrorHandler(logger),
	})

	routes.Setup(app, routes.Deps{
		Cfg:      cfg,
		DB:       db,
		Cache:    cache,
		Logger:   logger,
		Cards:    cards.NewHandler(services.Cards),
		Funding:  funding.NewHandler(services.Funding),
		Disputes: dispute.NewHandler(services.Disputes),
	})

	return &Server{app: app, cfg: cfg, services: services}, nil
}

// App exposes the Fiber application, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// RunJobs processes background jobs until ctx is canceled.
func (s *Server) RunJobs(ctx context.Context) error {
	return s.services.RunJobs(ctx)
}

// Shutdown gracefully stops the HTTP server and releases job resources.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.services.Close()
	return err
}

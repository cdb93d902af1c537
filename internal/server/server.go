package server

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"collab-backend/internal/auth"
	"collab-backend/internal/config"
	"collab-backend/internal/handler"
	"collab-backend/internal/room"
)

// Server wires the Fiber app around the collaboration core.
type Server struct {
	app           *fiber.App
	cfg           *config.Config
	db            *gorm.DB
	registry      *room.Registry
	validator     *auth.TokenValidator
	syncHandler   *handler.SyncWSHandler
	healthHandler *handler.HealthHandler
	statusHandler *handler.StatusHandler
}

// New builds the server around an already-constructed registry.
func New(cfg *config.Config, db *gorm.DB, registry *room.Registry) *Server {
	app := fiber.New(fiber.Config{
		AppName:         "Collab Sync Gateway",
		StrictRouting:   true,
		CaseSensitive:   true,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		Prefork:         false, // incompatible with websockets
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
	})

	return &Server{
		app:           app,
		cfg:           cfg,
		db:            db,
		registry:      registry,
		validator:     auth.NewTokenValidator(cfg.Auth.JWTSecret),
		syncHandler:   handler.NewSyncWSHandler(registry),
		healthHandler: handler.NewHealthHandler(db),
		statusHandler: handler.NewStatusHandler(registry),
	}
}

// SetupMiddleware installs recover, logging and CORS.
func (s *Server) SetupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	s.app.Use(cors.New(cors.Config{
		AllowOrigins: s.cfg.CORS.AllowOrigins,
		AllowHeaders: s.cfg.CORS.AllowHeaders,
		AllowMethods: "GET, POST, OPTIONS",
	}))
}

// SetupRoutes installs the health, status and sync endpoints.
func (s *Server) SetupRoutes() {
	s.app.Get("/health", s.healthHandler.Check)
	s.app.Get("/healthz", s.healthHandler.Liveness)
	s.app.Get("/status", s.statusHandler.Status)
	s.app.Get("/status/rooms/:roomId", s.statusHandler.RoomStatus)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// The token check runs before the upgrade, but its verdict is delivered
	// after it: rejecting with a close code (rather than an HTTP status)
	// lets clients distinguish "unauthorized, stop retrying" from a
	// transient handshake failure.
	s.app.Get("/ws/rooms/:roomId", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		c.Locals("roomId", c.Params("roomId"))
		if err := s.validator.Validate(c.Query("token")); err != nil {
			c.Locals("authError", err.Error())
		}
		return c.Next()
	}, websocket.New(s.syncHandler.HandleWebSocket, websocket.Config{
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
	}))
}

// Start runs the server until SIGINT/SIGTERM. On a signal the registry stops
// accepting joins and saves every resident room within the configured
// timeout, then the listener is torn down.
func (s *Server) Start() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-quit
		log.Printf("[Server] caught %v, shutting down", sig)

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Collab.ShutdownSaveTimeout)
		s.registry.Shutdown(ctx)
		cancel()

		if err := s.app.ShutdownWithTimeout(s.cfg.Server.IdleTimeout); err != nil {
			log.Printf("[Server] shutdown error: %v", err)
		}
	}()

	log.Printf("[Server] collab sync gateway starting on %s", s.cfg.Server.Port)
	log.Printf("[Server] websocket endpoint: ws://localhost%s/ws/rooms/:roomId", s.cfg.Server.Port)

	return s.app.Listen(s.cfg.Server.Port)
}

// App exposes the Fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

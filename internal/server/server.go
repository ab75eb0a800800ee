// Package server wires the HTTP and WebSocket surface of the chat server:
// the WS endpoint, the send API, the SendGrid webhook and metrics.
package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"relay/internal/bus"
	"relay/internal/cache"
	"relay/internal/chat"
	"relay/internal/config"
	"relay/internal/database"
	"relay/internal/dispatch"
	"relay/internal/middleware"
	"relay/internal/notifyrpc"
	"relay/internal/planner"
	"relay/internal/presence"
	"relay/internal/repository"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// The prometheus middleware registers its collectors with the default
// registry, so it is created once per process.
var (
	promOnce       sync.Once
	promMiddleware *fiberprometheus.FiberPrometheus
)

func metricsMiddleware() *fiberprometheus.FiberPrometheus {
	promOnce.Do(func() {
		promMiddleware = fiberprometheus.New("relay-server")
	})
	return promMiddleware
}

// Server holds all dependencies and provides handlers.
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus

	presence  *presence.Store
	router    *chat.Router
	handle    chat.Handle
	flusher   *chat.Flusher
	planner   *planner.Planner
	publisher bus.Publisher
	webhook   *dispatch.WebhookProcessor
	notify    *notifyrpc.Client

	routerCancel context.CancelFunc
}

// NewServer creates a server instance, connecting Postgres, Redis and the
// Kafka producer from the config.
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	redisClient, err := cache.Connect(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	publisher, err := bus.NewPublisher(cfg.Brokers)
	if err != nil {
		return nil, fmt.Errorf("kafka producer failed: %w", err)
	}

	notify := notifyrpc.NewClient(cfg.NotificationRPCTarget())
	return NewServerWithDeps(cfg, db, redisClient, publisher, notify), nil
}

// NewServerWithDeps creates a Server from already-initialized dependencies.
// Tests use it with sqlite, miniredis and fake publishers.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, publisher bus.Publisher, notify chat.NotificationClient) *Server {
	middleware.InitMiddleware(cfg.JWTSecret)

	store := presence.NewStore(redisClient)
	chats := repository.NewChatRepository(db)
	messages := repository.NewMessageRepository(db)
	prefs := repository.NewPreferencesRepository(db)
	notifications := repository.NewNotificationRepository(db)

	router := chat.NewRouter(store, chats, messages, notify)

	s := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: metricsMiddleware(),
		presence:       store,
		router:         router,
		handle:         router.Handle(),
		flusher:        chat.NewFlusher(store, chats),
		planner:        planner.New(prefs, publisher),
		publisher:      publisher,
		webhook:        dispatch.NewWebhookProcessor(notifications),
	}
	if client, ok := notify.(*notifyrpc.Client); ok {
		s.notify = client
	}
	return s
}

// SetupMiddleware configures middleware for the Fiber app.
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.ContextMiddleware())
	app.Use(middleware.TracingMiddleware())

	if s.promMiddleware != nil {
		app.Use(s.promMiddleware.Middleware)
	}

	app.Use(middleware.StructuredLogger())

	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400,
	}))
}

// SetupRoutes configures all routes for the application.
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	api := app.Group("/api")
	api.Post("/send",
		middleware.AuthRequired,
		middleware.RateLimit(s.redis, 60, time.Minute, "send"),
		s.SendNotificationHandler)
	api.Post("/send/push", middleware.AuthRequired, s.SendPushHandler)
	api.Post("/send/email", middleware.AuthRequired, s.SendEmailHandler)

	app.Post("/webhook/sendgrid", s.SendGridWebhookHandler)

	s.registerWebSocket(app)
}

// Start runs the router, the flusher and the HTTP listener. It blocks until
// the listener stops.
func (s *Server) Start() error {
	app := fiber.New(fiber.Config{
		ReadTimeout: 30 * time.Second,
		AppName:     "relay",
	})
	s.app = app
	s.SetupMiddleware(app)
	s.SetupRoutes(app)

	ctx, cancel := context.WithCancel(context.Background())
	s.routerCancel = cancel
	go s.router.Run(ctx)
	go s.flusher.Run(ctx)

	addr := ":" + s.config.Port
	log.Printf("chat server listening on %s", addr)
	return app.Listen(addr)
}

// Shutdown gracefully stops the HTTP listener, the chat router and the
// outbound clients.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			firstErr = err
		}
	}
	if s.routerCancel != nil {
		s.routerCancel()
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.notify != nil {
		if err := s.notify.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	if s.app == nil {
		app := fiber.New()
		s.app = app
		s.SetupMiddleware(app)
		s.SetupRoutes(app)
	}
	return s.app
}

// StartBackground launches the router and flusher without the listener,
// used by tests driving the app through fiber's Test helper.
func (s *Server) StartBackground(ctx context.Context) {
	go s.router.Run(ctx)
	go s.flusher.Run(ctx)
}

// LivenessCheck reports that the process is up.
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// ReadinessCheck reports whether the backing stores are reachable.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	if s.redis != nil {
		if err := s.redis.Ping(c.UserContext()).Err(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded",
				"redis":  err.Error(),
			})
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.UserContext())
		}
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":   "degraded",
				"database": err.Error(),
			})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

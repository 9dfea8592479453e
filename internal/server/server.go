// Package server contains the HTTP handlers of the forum API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"forum/internal/bootstrap"
	"forum/internal/config"
	"forum/internal/middleware"
	"forum/internal/models"
	"forum/internal/notifications"
	"forum/internal/observability"
	"forum/internal/service"
	"forum/internal/treestore"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	store          treestore.Store
	svc            *service.Services
	runtime        *bootstrap.Runtime
	notifier       *notifications.Notifier
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
}

// NewServer connects to the backends described by cfg and builds a server.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	rt, err := bootstrap.InitRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := rt.StartEventLog(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("start event subscriber: %w", err)
	}
	s := NewServerWithDeps(cfg, rt.DB, rt.Redis, rt.Store, rt.Services)
	s.notifier = rt.Notifier
	s.runtime = rt
	return s, nil
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, rdb *redis.Client, store treestore.Store, svc *service.Services) *Server {
	middleware.InitMiddleware(cfg)
	return &Server{
		config:         cfg,
		db:             db,
		redis:          rdb,
		store:          store,
		svc:            svc,
		notifier:       notifications.NewNotifier(rdb),
		promMiddleware: middleware.InitMetrics(observability.ServiceName),
	}
}

// App builds the Fiber application with middleware and routes.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "Forum API",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if e, ok := err.(*fiber.Error); ok {
				return c.Status(e.Code).JSON(models.ErrorResponse{Error: e.Message})
			}
			return models.RespondWithError(c, fiber.StatusInternalServerError,
				models.NewInternalError(err))
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	return app
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so rejected requests still carry CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: origins != "*",
		MaxAge:           86400,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	api := app.Group("/api")
	writeLimit := s.config.RateLimitPerMinute
	if writeLimit <= 0 {
		writeLimit = 30
	}

	// User routes
	users := api.Group("/users")
	users.Post("/", middleware.AuthRequired, middleware.RateLimit(
		s.redis, s.config.Env, 3, 10*time.Minute, "register"), s.Register)
	users.Get("/me", middleware.AuthRequired, s.GetMyProfile)
	users.Put("/me", middleware.AuthRequired, s.UpdateMyProfile)
	// Specific /:handle/:resource routes before the generic /:handle route
	users.Get("/:handle/posts", s.GetUserPosts)
	users.Get("/:handle/comments", s.GetUserComments)
	users.Get("/:handle/upvotes", s.GetUserUpvotes)
	users.Get("/:handle/downvotes", s.GetUserDownvotes)
	users.Get("/:handle/bookmarks", middleware.AuthRequired, s.GetUserBookmarks)
	users.Get("/:handle", s.GetUserProfile)

	// Post routes
	posts := api.Group("/posts")
	posts.Get("/", s.GetPosts)
	posts.Post("/", middleware.AuthRequired, middleware.RateLimit(
		s.redis, s.config.Env, writeLimit, time.Minute, "create_post"), s.CreatePost)
	posts.Get("/:id/comments", s.GetComments)
	posts.Post("/:id/comments", middleware.AuthRequired, middleware.RateLimit(
		s.redis, s.config.Env, writeLimit, time.Minute, "create_comment"), s.CreateComment)
	posts.Get("/:id/votes", middleware.AuthOptional, s.GetVotes)
	posts.Post("/:id/vote", middleware.AuthRequired, middleware.RateLimit(
		s.redis, s.config.Env, writeLimit*2, time.Minute, "vote"), s.ToggleVote)
	posts.Post("/:id/bookmark", middleware.AuthRequired, s.ToggleBookmark)
	posts.Get("/:id", s.GetPost)
	posts.Put("/:id", middleware.AuthRequired, s.UpdatePost)
	posts.Delete("/:id", middleware.AuthRequired, s.DeletePost)

	// Admin routes refuse to run unthrottled when Redis is down.
	admin := api.Group("/admin", middleware.AuthRequired, middleware.RateLimitWithPolicy(
		s.redis, s.config.Env, writeLimit, time.Minute, middleware.FailClosed, "admin"), s.AdminRequired())
	admin.Get("/users", s.ListUsers)
	admin.Post("/users/:handle/admin", s.AssignAdmin)
	admin.Delete("/users/:handle/admin", s.RemoveAdmin)
	admin.Post("/users/:handle/block", s.BlockUser)
	admin.Delete("/users/:handle/block", s.UnblockUser)
	admin.Get("/posts/deleted", s.ListDeletedPosts)
	admin.Delete("/posts/:id", s.AdminDeletePost)
	admin.Get("/feature-flags", s.GetFeatureFlags)
}

// LivenessCheck reports that the process is up
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck reports whether the store and journal are reachable
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	storeStatus := "healthy"
	if s.store == nil {
		storeStatus = "unavailable"
	} else if err := s.store.Ping(ctx); err != nil {
		storeStatus = "unhealthy"
	}

	journalStatus := "healthy"
	if s.db == nil {
		journalStatus = "unavailable"
	} else if sqlDB, err := s.db.DB(); err != nil {
		journalStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		journalStatus = "unhealthy"
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if storeStatus != "healthy" || journalStatus != "healthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"store":   storeStatus,
			"journal": journalStatus,
		},
		"time": time.Now(),
	})
}

// Start starts the server
func (s *Server) Start() error {
	s.app = s.App()
	observability.GlobalLogger.Info("Server starting", slog.String("port", s.config.Port))
	return s.app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			shutdownErr = fmt.Errorf("shutdown http server: %w", err)
		}
	}
	if s.runtime != nil {
		s.runtime.Close()
	}
	observability.GlobalLogger.Info("Server shutdown complete")
	return shutdownErr
}

// Package bootstrap wires the runtime dependencies shared by the commands.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"forum/internal/cache"
	"forum/internal/config"
	"forum/internal/database"
	"forum/internal/featureflags"
	"forum/internal/models"
	"forum/internal/notifications"
	"forum/internal/observability"
	"forum/internal/saga"
	"forum/internal/service"
	"forum/internal/treestore"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Runtime holds the connections and services of one process.
type Runtime struct {
	Config   *config.Config
	DB       *gorm.DB
	Redis    *redis.Client
	Store    *treestore.RedisStore
	Services *service.Services
	Notifier *notifications.Notifier

	stopEvents context.CancelFunc
}

// InitRuntime connects to Redis and the journal database, builds the
// services and ensures the development root admin when enabled.
func InitRuntime(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	rdb, err := treestore.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		closeDB(db)
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	rt := Build(cfg, db, rdb)
	if err := EnsureDevRootAdmin(ctx, cfg, rt.Services); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to bootstrap development root admin: %w", err)
	}
	return rt, nil
}

// Build wires the services over already-open connections.
func Build(cfg *config.Config, db *gorm.DB, rdb *redis.Client) *Runtime {
	store := treestore.NewRedisStore(rdb, treestore.WithPrefix(cfg.StorePrefix))
	svc := service.New(service.Deps{
		Store:           store,
		Journal:         saga.NewGormJournal(db),
		Cache:           cache.New(rdb, cfg.StorePrefix+"cache:"),
		Flags:           featureflags.NewManager(cfg.FeatureFlags),
		SagaMaxAttempts: cfg.SagaMaxAttempts,
		FeedCacheTTL:    cfg.FeedCacheTTL(),
	})
	return &Runtime{
		Config:   cfg,
		DB:       db,
		Redis:    rdb,
		Store:    store,
		Services: svc,
		Notifier: notifications.NewNotifier(rdb),
	}
}

// StartEventLog subscribes to the change events of every instance and
// records them in the events metric and the debug log. Close stops it.
func (r *Runtime) StartEventLog(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	err := r.Notifier.StartSubscriber(ctx, func(channel string, ev notifications.Event) {
		observability.EventsObserved.WithLabelValues(ev.Type).Inc()
		observability.GlobalLogger.Debug("change event",
			slog.String("channel", channel),
			slog.String("type", ev.Type),
			slog.String("post_id", ev.PostID),
		)
	})
	if err != nil {
		cancel()
		return err
	}
	r.stopEvents = cancel
	return nil
}

// Close releases the Redis and database connections.
func (r *Runtime) Close() {
	if r.stopEvents != nil {
		r.stopEvents()
	}
	if r.Redis != nil {
		if err := r.Redis.Close(); err != nil {
			observability.GlobalLogger.Warn("error closing redis", slog.String("error", err.Error()))
		}
	}
	closeDB(r.DB)
}

func closeDB(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			observability.GlobalLogger.Warn("error closing sql DB", slog.String("error", cerr.Error()))
		}
	}
}

// EnsureDevRootAdmin registers the configured root account in development
// and grants it the admin role.
func EnsureDevRootAdmin(ctx context.Context, cfg *config.Config, svc *service.Services) error {
	if cfg == nil || svc == nil {
		return nil
	}
	if !strings.EqualFold(cfg.Env, "development") || !cfg.DevBootstrapRoot {
		return nil
	}

	handle := strings.TrimSpace(cfg.DevRootHandle)
	if handle == "" {
		handle = "root"
	}
	uid := strings.TrimSpace(cfg.DevRootUID)
	if uid == "" {
		return errors.New("DEV_ROOT_UID must be set when DEV_BOOTSTRAP_ROOT is enabled")
	}

	exists, err := svc.Users.Exists(ctx, handle)
	if err != nil {
		return err
	}
	if !exists {
		_, err := svc.User.Register(ctx, service.RegisterInput{
			Handle:    handle,
			UID:       uid,
			Email:     cfg.DevRootEmail,
			FirstName: "Root",
			LastName:  "Admin",
		})
		if err != nil {
			return fmt.Errorf("register root: %w", err)
		}
	}

	if err := svc.Users.Update(ctx, handle, map[string]any{
		"role":      models.RoleAdmin,
		"updatedOn": time.Now().UTC(),
		"updatedBy": uid,
	}); err != nil {
		return fmt.Errorf("promote root: %w", err)
	}

	observability.GlobalLogger.InfoContext(ctx, "development root admin bootstrap ensured",
		slog.String("handle", handle),
		slog.String("uid", uid),
	)
	return nil
}

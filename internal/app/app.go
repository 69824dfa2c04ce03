// Package app wires configuration, storage and services into a runnable
// exchange. Both binaries build on it.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"carbon-scribe/credit-exchange/internal/access"
	"carbon-scribe/credit-exchange/internal/admin"
	"carbon-scribe/credit-exchange/internal/auth"
	"carbon-scribe/credit-exchange/internal/config"
	"carbon-scribe/credit-exchange/internal/credits"
	"carbon-scribe/credit-exchange/internal/events"
	"carbon-scribe/credit-exchange/internal/httpx"
	"carbon-scribe/credit-exchange/internal/marketplace"
	"carbon-scribe/credit-exchange/internal/payments"
	"carbon-scribe/credit-exchange/internal/store"
)

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

// OpenDatabase connects to the configured database.
func OpenDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	level := gormlogger.Silent
	if cfg.LogQueries {
		level = gormlogger.Info
	}
	switch cfg.Driver {
	case "sqlite":
		return store.OpenSQLite(cfg.SQLitePath, level)
	case "postgres":
		return store.OpenPostgres(cfg.GetDatabaseURL(), store.PoolConfig{
			MaxOpen:     cfg.MaxConnections,
			MaxIdle:     cfg.MaxIdleConns,
			MaxLifetime: cfg.MaxLifetime,
		}, level)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// App holds the assembled components.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Gorm    *gorm.DB
	Store   *store.DB
	Journal *events.Journal
	Hub     *events.Hub

	Roles   *access.RoleStore
	Pause   *access.PauseSwitch
	Wallets *payments.WalletRail
	Credits *credits.Service
	Market  *marketplace.Service
}

// New migrates the schema, bootstraps the configured admin and market
// settings, and returns the wired components. The hub is optional: workers
// that never serve websockets pass withHub=false.
func New(ctx context.Context, cfg *config.Config, gdb *gorm.DB, logger *zap.Logger, withHub bool) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Gorm: gdb}

	a.Journal = events.NewJournal(gdb, logger)
	if err := a.Journal.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate event log: %w", err)
	}
	sinks := events.Fanout{events.NewLogSink(logger.Named("events")), a.Journal}
	if withHub {
		a.Hub = events.NewHub(logger.Named("stream"))
		sinks = append(sinks, a.Hub)
	}
	a.Store = store.New(gdb, sinks, logger)

	migrations := []struct {
		name    string
		migrate func(*store.DB) error
	}{
		{"access", access.Migrate},
		{"payments", payments.Migrate},
		{"credits", credits.Migrate},
		{"marketplace", marketplace.Migrate},
	}
	for _, m := range migrations {
		if err := m.migrate(a.Store); err != nil {
			return nil, fmt.Errorf("failed to migrate %s: %w", m.name, err)
		}
	}

	a.Roles = access.NewRoleStore(a.Store, logger)
	a.Pause = access.NewPauseSwitch(a.Store, a.Roles, logger)
	a.Wallets = payments.NewWalletRail(a.Store, logger)
	a.Credits = credits.NewService(a.Store, credits.NewRepository(a.Store), a.Roles, a.Pause, logger)
	a.Market = marketplace.NewService(a.Store, marketplace.NewRepository(a.Store), a.Credits, a.Wallets, a.Roles, a.Pause, logger)

	adminID, err := cfg.Market.BootstrapAdminID()
	if err != nil {
		return nil, err
	}
	if adminID != uuid.Nil {
		if err := a.Roles.EnsureAdmin(ctx, adminID); err != nil {
			return nil, fmt.Errorf("failed to bootstrap admin: %w", err)
		}
		logger.Info("Bootstrap admin ensured", zap.String("principal", adminID.String()))
	}

	recipient, err := cfg.Market.FeeRecipientID()
	if err != nil {
		return nil, err
	}
	if err := a.Market.Init(ctx, marketplace.Defaults{FeeBps: cfg.Market.FeeBps, FeeRecipient: recipient}); err != nil {
		return nil, fmt.Errorf("failed to initialize market: %w", err)
	}
	return a, nil
}

// Router builds the HTTP API.
func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(a.Logger))

	// CORS Middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	router.GET("/health", func(c *gin.Context) {
		status, code := "healthy", http.StatusOK
		if sqlDB, err := a.Gorm.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status,
			"paused":    a.Pause.Paused(c.Request.Context()),
			"timestamp": time.Now().UTC(),
		})
	})

	api := router.Group("/api/v1", auth.Middleware([]byte(a.Config.Security.JWTSecret), a.Logger))
	{
		credits.NewHandler(a.Credits, a.Logger).RegisterRoutes(api)
		marketplace.NewHandler(a.Market, a.Logger).RegisterRoutes(api)
		admin.NewHandler(a.Roles, a.Pause, a.Wallets, a.Logger).RegisterRoutes(api)

		api.GET("/events", a.recentEvents)
		if a.Hub != nil {
			api.GET("/events/ws", gin.WrapH(a.Hub))
		}
	}
	return router
}

func (a *App) recentEvents(c *gin.Context) {
	var q struct {
		Kind  string `form:"kind"`
		Limit int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 100
	}
	records, err := a.Journal.Recent(c.Request.Context(), events.Kind(q.Kind), q.Limit)
	if err != nil {
		httpx.Error(c, a.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": records})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Close stops the hub and releases the database.
func (a *App) Close() error {
	if a.Hub != nil {
		a.Hub.Close()
	}
	return store.Close(a.Gorm)
}

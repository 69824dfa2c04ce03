package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/credit-exchange/internal/app"
	"carbon-scribe/credit-exchange/internal/auth"
	"carbon-scribe/credit-exchange/internal/config"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	issueFor := flag.String("issue-token", "", "print a bearer token for the given principal and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	if *issueFor != "" {
		principal, err := uuid.Parse(*issueFor)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid principal:", err)
			os.Exit(2)
		}
		token, err := auth.IssueToken([]byte(cfg.Security.JWTSecret), principal, cfg.Security.TokenTTL)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to issue token:", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	// Initialize logger
	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	// Connect to database
	logger.Info("Connecting to database", zap.String("driver", cfg.Database.Driver))
	db, err := app.OpenDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	ctx := context.Background()
	exchange, err := app.New(ctx, cfg, db, logger, true)
	if err != nil {
		logger.Fatal("Failed to initialize exchange", zap.Error(err))
	}
	defer exchange.Close()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Start Server
	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      exchange.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", srv.Addr))

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exiting")
}

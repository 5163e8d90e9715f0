package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/afrr-clearing/internal/auth"
	"github.com/ksred/afrr-clearing/internal/config"
	"github.com/ksred/afrr-clearing/internal/database"
	"github.com/ksred/afrr-clearing/internal/demand"
	"github.com/ksred/afrr-clearing/internal/ledger"
	"github.com/ksred/afrr-clearing/internal/orchestrator"
	"github.com/ksred/afrr-clearing/internal/pricing"
	"github.com/ksred/afrr-clearing/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// configureLogging sets up zerolog from the loaded configuration.
// Outside production logs are pretty printed with timestamps.
func configureLogging(cfg *config.Config) {
	if cfg.Server.Env != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// main initializes and runs the clearing API server with graceful shutdown support
func main() {
	configPath := flag.String("config", os.Getenv("AFRR_CONFIG"), "path to a YAML or TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	configureLogging(cfg)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret = uuid.New().String()
		zlog.Warn().Msg("No JWT secret configured, using an ephemeral one")
	}
	authService := auth.NewService(jwtSecret)
	if cfg.Auth.APIKey != "" {
		authService.RegisterAPICredentials(cfg.Auth.APIKey, cfg.Auth.APISecret)
	}
	authHandlers := auth.NewGinHandlers(authService)

	ledgerService := ledger.NewService(db)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService, cfg.Ledger.ExcludedProductPrefix, cfg.Ledger.ConfirmThreshold)

	demandService := demand.NewService(db)
	demandHandlers := demand.NewGinHandlers(demandService)

	pricingService := pricing.NewService(db, ledgerService, demandService, pricing.Options{
		ProductPrefix: cfg.Market.ProductPrefix,
		Location:      cfg.Location(),
		Workers:       cfg.Pricing.Workers,
	})
	pricingHandlers := pricing.NewGinHandlers(pricingService)

	importer := orchestrator.New(ledgerService, demandService, pricingService, cfg.Ledger.ConfirmThreshold)
	importHandlers := orchestrator.NewGinHandlers(importer, cfg.Ledger.ExcludedProductPrefix)

	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()
	if cfg.Pricing.ScheduleInterval > 0 {
		processor := pricing.NewProcessor(pricingService, cfg.Pricing.ScheduleInterval, cfg.Pricing.TrailingWindow)
		go processor.Start(processorCtx)
	}

	router := gin.Default()
	router.Use(middleware.RateLimit())

	setupRoutes(router, jwtSecret, authHandlers, ledgerHandlers, demandHandlers, pricingHandlers, importHandlers)

	handler := http.Handler(router)
	if len(cfg.Server.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.Server.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}).Handler(router)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")
	processorCancel()

	// Give outstanding imports time to commit or roll back
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// - Auth routes: public, exchange operator credentials for a token
// - Query routes: read-only views, any valid token
// - Internal routes: imports and recomputes, token with ingest permission
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	demandHandlers *demand.GinHandlers,
	pricingHandlers *pricing.GinHandlers,
	importHandlers *orchestrator.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		queries := v1.Group("")
		queries.Use(middleware.JWTAuth(jwtSecret))
		{
			queries.GET("/prices", pricingHandlers.GetPricesHandler())
			queries.GET("/ledger/versions", ledgerHandlers.GetVersionsHandler())
			queries.GET("/demand", demandHandlers.GetDemandHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/ingest", importHandlers.IngestHandler())
			internal.POST("/ledger/preview", ledgerHandlers.PreviewHandler())
			internal.POST("/ledger/replace", ledgerHandlers.ReplaceRangeHandler())
			internal.POST("/demand", demandHandlers.UpsertHandler())
			internal.POST("/prices/recompute", pricingHandlers.RecomputeHandler())
		}
	}
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"catalog-sync-service/internal/cache"
	"catalog-sync-service/internal/clients"
	"catalog-sync-service/internal/clients/lightspeed"
	"catalog-sync-service/internal/clients/shopify"
	"catalog-sync-service/internal/clock"
	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/events"
	"catalog-sync-service/internal/handlers"
	"catalog-sync-service/internal/metrics"
	"catalog-sync-service/internal/middleware"
	"catalog-sync-service/internal/models"
	"catalog-sync-service/internal/repository"
	"catalog-sync-service/internal/secrets"
	"catalog-sync-service/internal/services"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	// Load configuration
	cfg := config.Load()

	// Initialize logrus logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if cfg.IsProduction() {
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(logger).WithField("service", "catalog-sync-service")

	ctx := context.Background()
	clk := clock.Real{}
	readiness := map[string]handlers.ReadinessCheck{}

	// Staging journal store, Postgres when configured
	var stagingStore repository.StagingStore = repository.NewMemoryStagingStore()
	if cfg.DatabaseURL != "" {
		db, err := config.InitDB(cfg)
		if err != nil {
			logger.WithError(err).Warn("Database unavailable, staging journal kept in memory")
		} else {
			if err := db.AutoMigrate(&models.StagingParent{}, &models.UndoSession{}); err != nil {
				logger.WithError(err).Warn("Auto-migration failed")
			}
			stagingStore = repository.NewStagingRepository(db)
			readiness["database"] = databaseCheck(db)
			logger.Info("✓ Staging journal using Postgres")
		}
	}

	// Redis mirror for snapshot and lookup caches
	var remote cache.Remote
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Invalid REDIS_URL, caches kept in memory")
		} else {
			redisRemote := cache.NewRedisRemote(redis.NewClient(opts), "catalog-sync:")
			if err := redisRemote.Ping(ctx); err != nil {
				logger.WithError(err).Warn("Redis ping failed, cache reads will fall back to memory")
			}
			remote = redisRemote
			readiness["redis"] = redisRemote.Ping
			logger.Info("✓ Redis cache mirror initialized")
		}
	}

	// Initialize NATS events publisher
	publisher, err := events.NewPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize events publisher (events won't be published)")
	} else {
		logger.Info("✓ NATS events publisher initialized")
	}

	// Refresh token persistence
	var tokenStore lightspeed.RefreshTokenStore = lightspeed.NewMemoryRefreshTokenStore(cfg.SourceRefreshToken)
	var gcpStore *secrets.GCPRefreshTokenStore
	if cfg.GCPProjectID != "" {
		gcpStore, err = secrets.NewGCPRefreshTokenStore(ctx, cfg.GCPProjectID, cfg.SourceAccountID)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize GCP Secret Manager, refresh token kept in memory")
		} else {
			tokenStore = gcpStore
			logger.Info("✓ GCP Secret Manager initialized")
		}
	}

	m := metrics.New("catalog_sync")
	retry := clients.DefaultRetryConfig()
	if cfg.SourceMaxAttempts > 0 {
		retry.MaxAttempts = cfg.SourceMaxAttempts
	}

	// Source catalog client
	httpClient := &http.Client{}
	tokens := lightspeed.NewTokenProvider(lightspeed.TokenConfig{
		TokenURL:     cfg.SourceTokenURL,
		DomainPrefix: cfg.SourceDomainPrefix,
		ClientID:     cfg.SourceClientID,
		ClientSecret: cfg.SourceClientSecret,
		RefreshToken: cfg.SourceRefreshToken,
		Timeout:      cfg.AuthTimeout,
	}, httpClient, clk, tokenStore, entry)
	scheduler := lightspeed.NewScheduler(lightspeed.SchedulerConfig{
		MinInterval: cfg.SourceMinInterval,
		Retry:       retry,
	}, clk, m, entry)
	source := lightspeed.NewClient(lightspeed.Config{
		BaseURL:     cfg.SourceBaseURL,
		AccountID:   cfg.SourceAccountID,
		ListTimeout: cfg.ListTimeout,
	}, httpClient, tokens, scheduler, lightspeed.FetcherConfig{
		PageSize:         cfg.SourcePageSize,
		FallbackPageSize: cfg.SourceFallbackPageSize,
		Concurrency:      cfg.SourceFetchConcurrency,
	}, entry)

	// Destination client, optional
	var destination clients.Destination
	if cfg.DestinationStore != "" {
		shopifyClient, err := shopify.NewClient(shopify.Config{
			Store:       cfg.DestinationStore,
			AccessToken: cfg.DestinationAccessToken,
			Timeout:     cfg.DestinationTimeout,
		}, httpClient, clk, entry)
		if err != nil {
			logger.WithError(err).Warn("Destination client disabled")
		} else {
			destination = shopifyClient
			logger.Info("✓ Destination client initialized")
		}
	}

	// Initialize services
	catalogService := services.NewCatalogService(source, services.NewQueryEngine(cfg.ExportRowCap), services.CatalogConfig{
		LookupTTL:   cfg.LookupCacheTTL,
		SnapshotTTL: cfg.SnapshotCacheTTL,
	}, clk, remote, m, publisher, entry)
	stagingService := services.NewStagingService(stagingStore, cfg.UndoRetention, clk, m, publisher, entry)
	pushService := services.NewPushService(stagingService, destination, services.NewPushLimiter(nil), services.PushConfig{
		BatchSize:   cfg.PushBatchSize,
		LocationMap: cfg.DestinationLocationMap,
		RecordUndo:  cfg.PushRecordUndo,
	}, clk, m, entry)

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(readiness)
	healthHandler.Report("push", pushService.Status)
	catalogHandler := handlers.NewCatalogHandler(catalogService, entry)
	stagingHandler := handlers.NewStagingHandler(stagingService, pushService, entry)

	router := setupRouter(cfg, logger, m, healthHandler, catalogHandler, stagingHandler)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":        cfg.Port,
			"environment": cfg.Environment,
			"journal":     stagingStore.Name(),
		}).Info("Catalog sync service starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Graceful shutdown handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down catalog sync service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	publisher.Close()
	if gcpStore != nil {
		_ = gcpStore.Close()
	}
	logger.Info("Catalog sync service stopped")
}

// setupRouter configures the HTTP router
func setupRouter(
	cfg *config.Config,
	logger *logrus.Logger,
	m *metrics.Metrics,
	healthHandler *handlers.HealthHandler,
	catalogHandler *handlers.CatalogHandler,
	stagingHandler *handlers.StagingHandler,
) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.CORSAllowedOrigins))
	router.Use(middleware.TenantMiddleware())

	// Health check and metrics
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	// API routes - require tenant ID
	v1 := router.Group("/api/v1")
	v1.Use(middleware.RequireTenantID())
	handlers.RegisterRoutes(v1, catalogHandler, stagingHandler)

	return router
}

func databaseCheck(db *gorm.DB) handlers.ReadinessCheck {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

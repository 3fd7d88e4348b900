package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/nutrify/internal/api"
	"github.com/timmy/nutrify/internal/api/handler"
	"github.com/timmy/nutrify/internal/api/middleware"
	"github.com/timmy/nutrify/internal/config"
	"github.com/timmy/nutrify/internal/logger"
	"github.com/timmy/nutrify/internal/observability"
	"github.com/timmy/nutrify/internal/repository"
	"github.com/timmy/nutrify/internal/service"
	"github.com/timmy/nutrify/internal/storage"
)

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.New(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "nutrify-api",
		Environment: cfg.Log.Environment,
		File:        cfg.Log.File,
		FileOnly:    cfg.Log.FileOnly,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
		Compress:    cfg.Log.Compress,
	})
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	ctx := context.Background()
	shutdownTracing := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "nutrify-api",
		Environment: cfg.Log.Environment,
		SampleRatio: cfg.Tracing.SampleRatio,
	})

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to access database pool")
	}
	defer sqlDB.Close()

	historyRepo := repository.NewHistoryRepository(db, repository.HistoryOptions{
		DefaultPageSize: cfg.History.DefaultPageSize,
		MaxPageSize:     cfg.History.MaxPageSize,
	})
	profileRepo := repository.NewProfileRepository(db)

	// Image retention is optional; without a backend only image_ref is kept.
	objectStorage, err := storage.NewStorage(ctx, &storage.Config{
		Type:      storage.StorageType(cfg.Storage.Type),
		LocalDir:  cfg.Storage.LocalDir,
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}
	if s3Store, ok := objectStorage.(*storage.S3Storage); ok {
		if err := s3Store.EnsureBucket(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
		}
	}

	model, err := service.NewModelClient(ctx, &service.ModelClientConfig{
		Provider:        cfg.VLM.Provider,
		Model:           cfg.VLM.Model,
		APIKey:          cfg.VLM.APIKey,
		BaseURL:         cfg.VLM.BaseURL,
		MaxTokens:       cfg.VLM.MaxTokens,
		ProjectID:       cfg.VLM.ProjectID,
		Location:        cfg.VLM.Location,
		CredentialsFile: cfg.VLM.CredentialsFile,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize model client")
	}
	if closer, ok := model.(io.Closer); ok {
		defer closer.Close()
	}

	deps := service.PipelineDeps{
		Preprocessor: service.NewImagePreprocessor(service.ImageConfig{
			MaxBytes:     cfg.Image.MaxBytes,
			MaxDimension: cfg.Image.MaxDimension,
			JPEGQuality:  cfg.Image.JPEGQuality,
		}),
		Model:    model,
		History:  historyRepo,
		Images:   objectStorage,
		Profiles: profileRepo,
	}
	pipeline := service.NewAnalysisPipeline(deps, service.AnalysisConfig{
		MaxAttempts: cfg.Analysis.MaxAttempts,
		BaseBackoff: cfg.Analysis.BaseBackoff,
		MaxBackoff:  cfg.Analysis.MaxBackoff,
		CallTimeout: cfg.VLM.Timeout,
	})

	router := api.SetupRouter(api.RouterDeps{
		Analyzer: pipeline,
		History:  historyRepo,
		Images:   objectStorage,
		Checks: map[string]handler.HealthCheck{
			"database": sqlDB.PingContext,
		},
		Logger: appLogger,
	}, api.RouterConfig{
		Mode:        cfg.Server.Mode,
		ServiceName: "nutrify-api",
		CORS: middleware.CORSConfig{
			AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
			AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
		},
		Identity: middleware.IdentityConfig{
			JWTSecret:  cfg.Auth.JWTSecret,
			UserHeader: cfg.Auth.UserHeader,
		},
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":               cfg.Server.Port,
			"mode":               cfg.Server.Mode,
			logger.FieldProvider: model.Name(),
			"image_retention":    objectStorage != nil,
			"identity_tokens":    cfg.Auth.JWTSecret != "",
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// In-flight analyses may sit in backoff, so allow more than the usual few seconds.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		appLogger.WithError(err).Warn("Failed to flush traces")
	}

	appLogger.Info("Server exited")
}

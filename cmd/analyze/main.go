package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/timmy/nutrify/internal/config"
	"github.com/timmy/nutrify/internal/domain"
	"github.com/timmy/nutrify/internal/logger"
	"github.com/timmy/nutrify/internal/repository"
	"github.com/timmy/nutrify/internal/service"
	"golang.org/x/sync/errgroup"
)

// fileResult is one line of output.
type fileResult struct {
	File     string                 `json:"file"`
	Analysis *domain.AnalysisResult `json:"analysis,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Kind     domain.ErrorKind       `json:"kind,omitempty"`
}

func main() {
	// Logs go to stderr so stdout stays machine-readable.
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "nutrify-analyze",
	})
	logger.SetDefaultLogger(appLogger)

	configPath := flag.String("config", "", "Path to config file")
	userID := flag.String("user", "", "Save results to this user's history")
	workers := flag.Int("workers", 0, "Concurrent analyses (default from config)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <image|dir>...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if *workers <= 0 {
		*workers = cfg.Analysis.Workers
	}
	if *workers <= 0 {
		*workers = 1
	}

	files, err := collectImages(flag.Args())
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to collect images")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
		Model: model,
	}
	if *userID != "" {
		db, err := repository.InitDB(&cfg.Database)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize database")
		}
		deps.History = repository.NewHistoryRepository(db, repository.HistoryOptions{
			DefaultPageSize: cfg.History.DefaultPageSize,
			MaxPageSize:     cfg.History.MaxPageSize,
		})
		deps.Profiles = repository.NewProfileRepository(db)
	}
	pipeline := service.NewAnalysisPipeline(deps, service.AnalysisConfig{
		MaxAttempts: cfg.Analysis.MaxAttempts,
		BaseBackoff: cfg.Analysis.BaseBackoff,
		MaxBackoff:  cfg.Analysis.MaxBackoff,
		CallTimeout: cfg.VLM.Timeout,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	appLogger.WithFields(logger.Fields{
		logger.FieldCount:    len(files),
		logger.FieldProvider: model.Name(),
		"workers":            *workers,
		"persist":            *userID != "",
	}).Info("Starting analysis")

	results := make([]fileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*workers)
	for i, file := range files {
		g.Go(func() error {
			results[i] = analyzeFile(gctx, pipeline, *userID, file)
			// A failed image never stops the others.
			return nil
		})
	}
	_ = g.Wait()

	enc := json.NewEncoder(os.Stdout)
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
		if err := enc.Encode(r); err != nil {
			appLogger.WithError(err).Fatal("Failed to write output")
		}
	}

	appLogger.WithFields(logger.Fields{
		"total":  len(files),
		"failed": failed,
	}).Info("Analysis completed")
	if failed > 0 {
		os.Exit(1)
	}
}

func analyzeFile(ctx context.Context, pipeline *service.AnalysisPipeline, userID, file string) fileResult {
	out := fileResult{File: file}
	data, err := os.ReadFile(file)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	res, err := pipeline.Analyze(ctx, service.AnalysisRequest{
		UserID:   userID,
		Image:    data,
		ImageRef: file,
	})
	out.Analysis = res
	if err != nil {
		out.Error = err.Error()
		out.Kind = domain.KindOf(err)
	}
	return out
}

// collectImages expands directories to the images directly inside them.
func collectImages(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			switch strings.ToLower(filepath.Ext(e.Name())) {
			case ".jpg", ".jpeg", ".png", ".webp":
				files = append(files, filepath.Join(arg, e.Name()))
			}
		}
	}
	return files, nil
}

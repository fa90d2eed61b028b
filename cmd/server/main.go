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

	"go.uber.org/zap"

	"github.com/kdimtricp/bearwatch/internal/api"
	"github.com/kdimtricp/bearwatch/internal/app"
	"github.com/kdimtricp/bearwatch/internal/config"
	"github.com/kdimtricp/bearwatch/internal/logger"
	"github.com/kdimtricp/bearwatch/internal/metrics"
	"github.com/kdimtricp/bearwatch/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Invalid configuration:", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.JaegerEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, cfg.JaegerEndpoint)
		if err != nil {
			zapLogger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				zapLogger.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	metrics.StartMetricsServer(ctx, cfg.MetricsPort, zapLogger)

	components, err := app.Build(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize pipeline", zap.Error(err))
	}
	defer func() {
		if err := components.Close(); err != nil {
			zapLogger.Warn("failed to close alert sinks", zap.Error(err))
		}
	}()

	router := api.NewRouter(&api.App{
		Analyzer:      components.Controller,
		MaxUploadSize: cfg.MaxUploadSize,
		Logger:        zapLogger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	zapLogger.Info("server starting",
		zap.String("port", cfg.Port),
		zap.String("oracle", cfg.OracleURL),
		zap.String("sampler", cfg.SamplerStrategy),
		zap.String("trigger_policy", cfg.TriggerPolicy),
		zap.Int("workers", cfg.SessionWorkers),
		zap.Int64("max_upload_size", cfg.MaxUploadSize),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		zapLogger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			zapLogger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("server shutdown failed", zap.Error(err))
	}
}

// Package app builds the detection pipeline from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kdimtricp/bearwatch/internal/aggregator"
	"github.com/kdimtricp/bearwatch/internal/alert"
	"github.com/kdimtricp/bearwatch/internal/config"
	"github.com/kdimtricp/bearwatch/internal/oracle"
	"github.com/kdimtricp/bearwatch/internal/sampler"
	"github.com/kdimtricp/bearwatch/internal/session"
	"github.com/kdimtricp/bearwatch/internal/storage"
)

type App struct {
	Controller *session.Controller
	Oracle     *oracle.Client

	closers []func() error
}

// Build wires every component named by cfg. Optional integrations are
// enabled only when their endpoint is configured.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{}

	transcoder, err := sampler.NewFFmpeg(logger)
	if err != nil {
		return nil, err
	}

	workspace, err := storage.NewWorkspace(cfg.TempDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize workspace: %w", err)
	}

	a.Oracle = NewOracle(cfg, logger)

	var snapshots storage.SnapshotStore
	if cfg.MinIOEndpoint != "" {
		store, err := storage.NewMinIOSnapshots(storage.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
			Bucket:    cfg.MinIOBucket,
			URLTTL:    cfg.SnapshotURLTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize snapshot store: %w", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to prepare snapshot bucket: %w", err)
		}
		snapshots = store
		logger.Info("snapshot store enabled", zap.String("endpoint", cfg.MinIOEndpoint), zap.String("bucket", cfg.MinIOBucket))
	}

	sinks, err := a.buildSinks(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Controller, err = session.NewController(
		SessionConfig(cfg),
		workspace,
		sampler.New(SamplerConfig(cfg), transcoder, logger),
		a.Oracle,
		sinks,
		snapshots,
		logger,
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func NewOracle(cfg *config.Config, logger *zap.Logger) *oracle.Client {
	return oracle.NewClient(oracle.Config{
		URL:         cfg.OracleURL,
		Token:       cfg.OracleToken,
		Timeout:     cfg.OracleTimeout,
		TargetLabel: cfg.OracleTargetLabel,
	}, oracle.NewLimiter(cfg.OracleMaxInFlight, cfg.OracleRPS), logger)
}

func (a *App) buildSinks(cfg *config.Config, logger *zap.Logger) (alert.Fanout, error) {
	sinks := alert.Fanout{alert.NewLogSink(logger)}

	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, alert.NewWebhook(cfg.AlertWebhookURL, cfg.AlertWebhookToken, &http.Client{Timeout: cfg.AlertTimeout}))
		logger.Info("webhook alerts enabled")
	}

	if cfg.RabbitMQURL != "" {
		conn, err := amqp.Dial(cfg.RabbitMQURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		a.closers = append(a.closers, conn.Close)

		broadcaster, err := alert.NewBroadcaster(conn, cfg.RabbitMQExchange)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, broadcaster.Close)
		sinks = append(sinks, broadcaster)
		logger.Info("rabbitmq alerts enabled", zap.String("exchange", cfg.RabbitMQExchange))
	}

	if cfg.SMTPHost != "" {
		sinks = append(sinks, alert.NewMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.AlertEmailTo, logger))
		logger.Info("email alerts enabled", zap.Strings("to", cfg.AlertEmailTo))
	}

	return sinks, nil
}

// Close releases broker connections in reverse order of creation.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

func SamplerConfig(cfg *config.Config) sampler.Config {
	return sampler.Config{
		Strategy:          sampler.Strategy(cfg.SamplerStrategy),
		FPS:               cfg.SamplerFPS,
		Resolution:        sampler.Resolution{Width: cfg.SamplerWidth, Height: cfg.SamplerHeight},
		Format:            cfg.SamplerFormat,
		SegmentSeconds:    cfg.SegmentSeconds,
		MinSegmentSeconds: cfg.SegmentMinSeconds,
		MaxSegmentSeconds: cfg.SegmentMaxSeconds,
		MinFPS:            cfg.SegmentMinFPS,
		MaxFPS:            cfg.SegmentMaxFPS,
	}
}

func SessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Workers:   cfg.SessionWorkers,
		EarlyExit: cfg.SessionEarlyExit,
		Aggregator: aggregator.Config{
			Policy:        aggregator.Policy(cfg.TriggerPolicy),
			Threshold:     cfg.TriggerThreshold,
			Window:        cfg.TriggerWindow,
			MinConfidence: cfg.TriggerMinConfidence,
		},
		AlertTimeout: cfg.AlertTimeout,
	}
}

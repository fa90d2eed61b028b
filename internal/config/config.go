package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port          string `env:"PORT"            envDefault:"10000"`
	MaxUploadSize int64  `env:"MAX_UPLOAD_SIZE" envDefault:"104857600"`
	TempDir       string `env:"TEMP_DIR"        envDefault:"/tmp/bearwatch"`
	LogLevel      string `env:"LOG_LEVEL"       envDefault:"info"`

	OracleURL         string        `env:"ORACLE_URL"          envDefault:"https://ladyzoe-bear-detector-api-docker.hf.space/predict"`
	OracleToken       string        `env:"ORACLE_TOKEN"`
	OracleTimeout     time.Duration `env:"ORACLE_TIMEOUT"      envDefault:"20s"`
	OracleTargetLabel string        `env:"ORACLE_TARGET_LABEL" envDefault:"kumay"`
	OracleMaxInFlight int           `env:"ORACLE_MAX_INFLIGHT" envDefault:"4"`
	OracleRPS         float64       `env:"ORACLE_RPS"          envDefault:"0"`

	SamplerStrategy   string  `env:"SAMPLER_STRATEGY"    envDefault:"adaptive"`
	SamplerFPS        float64 `env:"SAMPLER_FPS"         envDefault:"1"`
	SamplerWidth      int     `env:"SAMPLER_WIDTH"       envDefault:"640"`
	SamplerHeight     int     `env:"SAMPLER_HEIGHT"      envDefault:"0"`
	SamplerFormat     string  `env:"SAMPLER_FORMAT"      envDefault:"jpg"`
	SegmentSeconds    float64 `env:"SEGMENT_SECONDS"     envDefault:"10"`
	SegmentMinSeconds float64 `env:"SEGMENT_MIN_SECONDS" envDefault:"5"`
	SegmentMaxSeconds float64 `env:"SEGMENT_MAX_SECONDS" envDefault:"10"`
	SegmentMinFPS     float64 `env:"SEGMENT_MIN_FPS"     envDefault:"1"`
	SegmentMaxFPS     float64 `env:"SEGMENT_MAX_FPS"     envDefault:"3"`

	TriggerPolicy        string  `env:"TRIGGER_POLICY"         envDefault:"consecutive"`
	TriggerThreshold     int     `env:"TRIGGER_THRESHOLD"      envDefault:"2"`
	TriggerWindow        int     `env:"TRIGGER_WINDOW"         envDefault:"5"`
	TriggerMinConfidence float64 `env:"TRIGGER_MIN_CONFIDENCE" envDefault:"0.5"`

	SessionWorkers   int  `env:"SESSION_WORKERS"    envDefault:"2"`
	SessionEarlyExit bool `env:"SESSION_EARLY_EXIT" envDefault:"true"`

	AlertTimeout      time.Duration `env:"ALERT_TIMEOUT"       envDefault:"10s"`
	AlertWebhookURL   string        `env:"ALERT_WEBHOOK_URL"`
	AlertWebhookToken string        `env:"ALERT_WEBHOOK_TOKEN"`
	RabbitMQURL       string        `env:"RABBITMQ_URL"`
	RabbitMQExchange  string        `env:"RABBITMQ_EXCHANGE"   envDefault:"bearwatch.sightings"`
	SMTPHost          string        `env:"SMTP_HOST"`
	SMTPPort          int           `env:"SMTP_PORT"           envDefault:"25"`
	SMTPFrom          string        `env:"SMTP_FROM"           envDefault:"noreply@bearwatch.local"`
	AlertEmailTo      []string      `env:"ALERT_EMAIL_TO"      envSeparator:","`

	MinIOEndpoint  string        `env:"MINIO_ENDPOINT"`
	MinIOAccessKey string        `env:"MINIO_ACCESS_KEY"  envDefault:"minioadmin"`
	MinIOSecretKey string        `env:"MINIO_SECRET_KEY"  envDefault:"minioadmin"`
	MinIOUseSSL    bool          `env:"MINIO_USE_SSL"     envDefault:"false"`
	MinIOBucket    string        `env:"MINIO_BUCKET"      envDefault:"sightings"`
	SnapshotURLTTL time.Duration `env:"SNAPSHOT_URL_TTL"  envDefault:"24h"`

	MetricsPort    int    `env:"METRICS_PORT"    envDefault:"9090"`
	JaegerEndpoint string `env:"JAEGER_ENDPOINT"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.MaxUploadSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_SIZE must be positive, got %d", c.MaxUploadSize))
	}
	if c.OracleURL == "" {
		errs = append(errs, errors.New("ORACLE_URL is required"))
	}
	if c.OracleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ORACLE_TIMEOUT must be positive, got %s", c.OracleTimeout))
	}
	if c.OracleMaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("ORACLE_MAX_INFLIGHT must be at least 1, got %d", c.OracleMaxInFlight))
	}

	switch c.SamplerStrategy {
	case "fixed":
		if c.SamplerFPS <= 0 {
			errs = append(errs, fmt.Errorf("SAMPLER_FPS must be positive, got %v", c.SamplerFPS))
		}
	case "adaptive":
		if c.SegmentSeconds <= 0 {
			errs = append(errs, fmt.Errorf("SEGMENT_SECONDS must be positive, got %v", c.SegmentSeconds))
		}
		if c.SegmentMinFPS <= 0 || c.SegmentMaxFPS < c.SegmentMinFPS {
			errs = append(errs, fmt.Errorf("segment fps bounds invalid: min=%v max=%v", c.SegmentMinFPS, c.SegmentMaxFPS))
		}
		if c.SegmentMaxSeconds < c.SegmentMinSeconds {
			errs = append(errs, fmt.Errorf("segment length bounds invalid: min=%v max=%v", c.SegmentMinSeconds, c.SegmentMaxSeconds))
		}
	default:
		errs = append(errs, fmt.Errorf("SAMPLER_STRATEGY must be fixed or adaptive, got %q", c.SamplerStrategy))
	}

	switch c.TriggerPolicy {
	case "consecutive":
	case "window":
		if c.TriggerWindow < c.TriggerThreshold {
			errs = append(errs, fmt.Errorf("TRIGGER_WINDOW (%d) must be >= TRIGGER_THRESHOLD (%d)", c.TriggerWindow, c.TriggerThreshold))
		}
	default:
		errs = append(errs, fmt.Errorf("TRIGGER_POLICY must be consecutive or window, got %q", c.TriggerPolicy))
	}
	if c.TriggerThreshold < 1 {
		errs = append(errs, fmt.Errorf("TRIGGER_THRESHOLD must be at least 1, got %d", c.TriggerThreshold))
	}
	if c.TriggerMinConfidence < 0 || c.TriggerMinConfidence > 1 {
		errs = append(errs, fmt.Errorf("TRIGGER_MIN_CONFIDENCE must be within [0,1], got %v", c.TriggerMinConfidence))
	}
	if c.SessionWorkers < 1 {
		errs = append(errs, fmt.Errorf("SESSION_WORKERS must be at least 1, got %d", c.SessionWorkers))
	}
	if c.SMTPHost != "" && len(c.AlertEmailTo) == 0 {
		errs = append(errs, errors.New("ALERT_EMAIL_TO is required when SMTP_HOST is set"))
	}

	return errors.Join(errs...)
}

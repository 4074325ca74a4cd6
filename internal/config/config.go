package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/italolelis/vidgrab/internal/video"
)

// Config struct for environment variables.
type Config struct {
	ArtifactDir string `envconfig:"ARTIFACT_DIR" required:"true"`
	DBPath      string `envconfig:"DB_PATH" default:"vidgrab.db"`

	Extractor      string `envconfig:"EXTRACTOR" default:"ytdlp"`
	YtdlpPath      string `envconfig:"YTDLP_PATH" default:"yt-dlp"`
	ExtractorURL   string `envconfig:"EXTRACTOR_URL"`
	ExtractorToken string `envconfig:"EXTRACTOR_TOKEN"`

	PlansFile         string `envconfig:"PLANS_FILE"`
	SubscriptionURL   string `envconfig:"SUBSCRIPTION_URL"`
	SubscriptionToken string `envconfig:"SUBSCRIPTION_TOKEN"`
	FreeMaxQuality    string `envconfig:"FREE_MAX_QUALITY" default:"high"`

	MaxParallel      int           `envconfig:"MAX_PARALLEL" default:"5"`
	MaxFetchDuration time.Duration `envconfig:"MAX_FETCH_DURATION" default:"10m"`
	FetchRetries     uint          `envconfig:"FETCH_RETRIES" default:"3"`
	ProgressStep     int           `envconfig:"PROGRESS_STEP" default:"5"`

	Retention       time.Duration `envconfig:"RETENTION" default:"30m"`
	RecordRetention time.Duration `envconfig:"RECORD_RETENTION" default:"168h"`
	SweepInterval   time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`

	DegradedFSStatus bool `envconfig:"DEGRADED_FS_STATUS" default:"true"`

	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"1"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"5"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFormat         string `envconfig:"LOG_FORMAT" default:"auto"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled        bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`
		ServiceName    string `envconfig:"OTEL_SERVICE_NAME" default:"vidgrab"`
		ServiceVersion string `envconfig:"OTEL_SERVICE_VERSION" default:"dev"`
		OTLPEndpoint   string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"10m"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the rules envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error

	// envconfig's required only rejects an unset variable, not an empty one.
	if strings.TrimSpace(c.ArtifactDir) == "" {
		errs = append(errs, errors.New("ARTIFACT_DIR must not be empty"))
	}

	switch strings.ToLower(c.Extractor) {
	case "ytdlp":
		if c.YtdlpPath == "" {
			errs = append(errs, errors.New("YTDLP_PATH must be set when EXTRACTOR=ytdlp"))
		}
	case "remote":
		if c.ExtractorURL == "" {
			errs = append(errs, errors.New("EXTRACTOR_URL must be set when EXTRACTOR=remote"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EXTRACTOR %q, expected ytdlp or remote", c.Extractor))
	}

	if c.PlansFile != "" && c.SubscriptionURL != "" {
		errs = append(errs, errors.New("PLANS_FILE and SUBSCRIPTION_URL are mutually exclusive"))
	}

	if _, err := video.ParseQuality(c.FreeMaxQuality); err != nil {
		errs = append(errs, fmt.Errorf("FREE_MAX_QUALITY: %w", err))
	}

	if c.MaxParallel < 1 {
		errs = append(errs, errors.New("MAX_PARALLEL must be at least 1"))
	}

	if c.MaxFetchDuration <= 0 {
		errs = append(errs, errors.New("MAX_FETCH_DURATION must be positive"))
	}

	if c.ProgressStep < 1 || c.ProgressStep > 100 {
		errs = append(errs, errors.New("PROGRESS_STEP must be between 1 and 100"))
	}

	if c.Retention <= 0 {
		errs = append(errs, errors.New("RETENTION must be positive"))
	}

	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}

	if c.RecordRetention < 0 {
		errs = append(errs, errors.New("RECORD_RETENTION must not be negative"))
	}

	if c.RecordRetention > 0 && c.RecordRetention < c.Retention {
		errs = append(errs, errors.New("RECORD_RETENTION must not be shorter than RETENTION"))
	}

	switch strings.ToLower(c.LogFormat) {
	case "auto", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q, expected auto, json or text", c.LogFormat))
	}

	return errors.Join(errs...)
}

// FreeTierMax is the highest quality free users may request, parsed case-insensitively.
func (c *Config) FreeTierMax() video.Quality {
	q, err := video.ParseQuality(c.FreeMaxQuality)
	if err != nil {
		return video.QualityHigh
	}

	return q
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

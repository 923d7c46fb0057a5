package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	APIBaseURL     string        `envconfig:"API_BASE_URL" required:"true"`
	APIToken       string        `envconfig:"API_TOKEN"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"60s"`
	RateLimit      float64       `envconfig:"RATE_LIMIT" default:"0"`

	TargetDir string `envconfig:"TARGET_DIR"`
	BucketURL string `envconfig:"BUCKET_URL"`
	DBPath    string `envconfig:"DB_PATH" default:"history.db"`

	WaveSize    int           `envconfig:"WAVE_SIZE" default:"10"`
	WaveDelay   time.Duration `envconfig:"WAVE_DELAY" default:"500ms"`
	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" default:"3"`

	HistoryRetention time.Duration `envconfig:"HISTORY_RETENTION" default:"0"`
	CleanupInterval  time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"bulk_downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads an optional .env file and the environment and populates the Config struct.
// ENV_FILE overrides the location of the .env file.
func LoadConfig() (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading %s: %w", envFile, err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the required settings and the orchestration knobs for values
// the downloader cannot work with.
func (c *Config) Validate() error {
	var errs []error

	// envconfig accepts a required variable that is set but empty
	if strings.TrimSpace(c.APIBaseURL) == "" {
		errs = append(errs, errors.New("API_BASE_URL is required"))
	}

	if strings.TrimSpace(c.TargetDir) == "" && c.BucketURL == "" {
		errs = append(errs, errors.New("TARGET_DIR is required unless BUCKET_URL is set"))
	}

	if c.WaveSize <= 0 {
		errs = append(errs, fmt.Errorf("WAVE_SIZE must be positive, got %d", c.WaveSize))
	}

	if c.WaveDelay < 0 {
		errs = append(errs, fmt.Errorf("WAVE_DELAY cannot be negative, got %s", c.WaveDelay))
	}

	if c.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS cannot be negative, got %d", c.MaxAttempts))
	}

	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT cannot be negative, got %v", c.RateLimit))
	}

	if c.HistoryRetention < 0 {
		errs = append(errs, fmt.Errorf("HISTORY_RETENTION cannot be negative, got %s", c.HistoryRetention))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	return nil
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

// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type Config struct {
	Host string `env:"FORTIFAI_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"FORTIFAI_PORT" envDefault:"8080"`
	Mode string `env:"FORTIFAI_MODE" envDefault:"production"`

	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"*"`

	Log     LogConfig
	AWS     AWSConfig
	Assets  AssetConfig
	Gateway GatewayConfig
	Reloc   RelocationConfig
	Store   StoreConfig

	OTelEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsEnabled bool   `env:"FORTIFAI_METRICS_ENABLED" envDefault:"true"`
}

type LogConfig struct {
	Level      string `env:"LOG_LEVEL" envDefault:"info"`
	Format     string `env:"LOG_FORMAT" envDefault:"json"`
	File       string `env:"LOG_FILE"`
	MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"3"`
	MaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"28"`
}

type AWSConfig struct {
	Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	// S3Endpoint points the asset source at an S3-compatible store.
	S3Endpoint  string `env:"AWS_S3_ENDPOINT"`
	EC2Endpoint string `env:"AWS_EC2_ENDPOINT"`
}

type AssetConfig struct {
	// Source is "s3" or "local".
	Source       string        `env:"ASSET_SOURCE" envDefault:"s3"`
	Bucket       string        `env:"ASSET_BUCKET"`
	Prefix       string        `env:"ASSET_PREFIX"`
	LocalDir     string        `env:"ASSET_LOCAL_DIR" envDefault:"./data"`
	DirectoryKey string        `env:"ASSET_DIRECTORY_KEY" envDefault:"asset_directory.parquet"`
	CacheTTL     time.Duration `env:"ASSET_CACHE_TTL" envDefault:"10s"`
	Concurrency  int           `env:"ASSET_READ_CONCURRENCY" envDefault:"4"`
}

type GatewayConfig struct {
	URL          string   `env:"GATEWAY_URL"`
	TokenURL     string   `env:"GATEWAY_TOKEN_URL"`
	ClientID     string   `env:"GATEWAY_CLIENT_ID"`
	ClientSecret string   `env:"GATEWAY_CLIENT_SECRET"`
	Scopes       []string `env:"GATEWAY_SCOPES" envSeparator:","`
}

type RelocationConfig struct {
	Enabled      bool          `env:"RELOCATION_ENABLED" envDefault:"true"`
	PollInterval time.Duration `env:"RELOCATION_POLL_INTERVAL" envDefault:"5s"`
	Timeout      time.Duration `env:"RELOCATION_TIMEOUT" envDefault:"30m"`
}

type StoreConfig struct {
	// Path of the badger directory. Empty keeps the store in memory.
	Path       string        `env:"STORE_PATH"`
	GCInterval time.Duration `env:"STORE_GC_INTERVAL" envDefault:"10m"`
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Override adjusts a parsed configuration before it is validated, e.g. to
// apply command-line flags.
type Override func(*Config)

// Load reads envFile (when it exists) into the process environment and
// parses the configuration.
func Load(envFile string, overrides ...Override) (Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to stat %s: %w", envFile, err)
		}
	}

	return parse(env.Options{}, overrides)
}

// LoadFromMap parses configuration from vars only, ignoring the process
// environment.
func LoadFromMap(vars map[string]string, overrides ...Override) (Config, error) {
	return parse(env.Options{Environment: vars}, overrides)
}

func parse(opts env.Options, overrides []Override) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	for _, override := range overrides {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.Assets.Source {
	case "s3":
		if c.Assets.Bucket == "" {
			return fmt.Errorf("ASSET_BUCKET is required when ASSET_SOURCE=s3")
		}
	case "local":
	default:
		return fmt.Errorf("unknown ASSET_SOURCE %q", c.Assets.Source)
	}
	if c.Assets.Concurrency < 1 {
		return fmt.Errorf("ASSET_READ_CONCURRENCY must be at least 1")
	}
	if c.Reloc.PollInterval <= 0 {
		return fmt.Errorf("RELOCATION_POLL_INTERVAL must be positive")
	}
	return nil
}

// Package config loads client settings from the environment and optional
// .env files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/pushlab/pushlab/internal/api/models"
)

// Config errors.
var (
	ErrParsingConfig = errors.New("failed to parse environment variables into config")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Log output formats.
const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// File names inside DataDir.
const (
	credentialFile  = "session.bin"
	keyFile         = "store.key"
	preferencesFile = "preferences.json"
)

// Config holds client configuration.
type Config struct {
	APIBaseURL      string        `env:"PUSHLAB_API_BASE_URL" envDefault:"http://localhost:8080"`
	BundleID        string        `env:"PUSHLAB_BUNDLE_ID" envDefault:"com.pushlab.app"`
	APNsEnvironment string        `env:"PUSHLAB_APNS_ENVIRONMENT" envDefault:"sandbox"`
	DeviceName      string        `env:"PUSHLAB_DEVICE_NAME"`
	DataDir         string        `env:"PUSHLAB_DATA_DIR"`
	StoreKey        string        `env:"PUSHLAB_STORE_KEY"`
	KeyFile         string        `env:"PUSHLAB_KEY_FILE"`
	HTTPTimeout     time.Duration `env:"PUSHLAB_HTTP_TIMEOUT" envDefault:"60s"`
	PageSize        int           `env:"PUSHLAB_PAGE_SIZE" envDefault:"50"`

	LogLevel  string `env:"PUSHLAB_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"PUSHLAB_LOG_FORMAT" envDefault:"console"`

	Telemetry TelemetryConfig
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
}

// Load reads the given .env files (or ./.env if it exists when none are
// given), parses the environment and validates the result. Variables
// already set in the environment take precedence over .env values.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		// The default .env file is optional.
		_ = godotenv.Load() //nolint:errcheck // missing file is fine
	} else if err := godotenv.Load(files...); err != nil {
		return nil, fmt.Errorf("loading env files: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.DeviceName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "pushlab-cli"
		}
		c.DeviceName = host
	}

	if c.DataDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("resolving data dir: %w", err)
		}
		c.DataDir = filepath.Join(dir, "pushlab")
	}

	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")
	c.LogFormat = strings.ToLower(c.LogFormat)
	return nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("PUSHLAB_API_BASE_URL must be an absolute http(s) URL, got %q", c.APIBaseURL))
	}
	if c.BundleID == "" {
		errs = append(errs, errors.New("PUSHLAB_BUNDLE_ID must not be empty"))
	}
	if !c.Environment().Valid() {
		errs = append(errs, fmt.Errorf("PUSHLAB_APNS_ENVIRONMENT must be sandbox or production, got %q", c.APNsEnvironment))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PUSHLAB_HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout))
	}
	if c.PageSize <= 0 || c.PageSize > models.MaxPageLimit {
		errs = append(errs, fmt.Errorf("PUSHLAB_PAGE_SIZE must be between 1 and %d, got %d", models.MaxPageLimit, c.PageSize))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("PUSHLAB_LOG_LEVEL: %w", err))
	}
	if c.LogFormat != LogFormatConsole && c.LogFormat != LogFormatJSON {
		errs = append(errs, fmt.Errorf("PUSHLAB_LOG_FORMAT must be console or json, got %q", c.LogFormat))
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, errors.New("OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_ENABLED is true"))
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// Environment returns the configured APNs environment.
func (c *Config) Environment() models.Environment {
	return models.Environment(strings.ToLower(c.APNsEnvironment))
}

// Level returns the parsed log level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// CredentialPath is the sealed session token file.
func (c *Config) CredentialPath() string {
	return filepath.Join(c.DataDir, credentialFile)
}

// KeyPath is the generated master key file, used when StoreKey is empty.
// It defaults to DataDir; KeyFile moves it off the data volume.
func (c *Config) KeyPath() string {
	if c.KeyFile != "" {
		return c.KeyFile
	}
	return filepath.Join(c.DataDir, keyFile)
}

// PreferencesPath is the JSON preference file.
func (c *Config) PreferencesPath() string {
	return filepath.Join(c.DataDir, preferencesFile)
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"taskpilot/internal/models"
)

const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"

	minSecretLength = 16
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Security  SecurityConfig  `yaml:"security"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"TASKPILOT_PORT"`
	BodyLimit       string        `yaml:"body_limit"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects the log level and output encoding.
type LogConfig struct {
	Level  string `yaml:"level" env:"TASKPILOT_LOG_LEVEL"`
	Format string `yaml:"format" env:"TASKPILOT_LOG_FORMAT"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"TASKPILOT_JWT_SECRET"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver" env:"TASKPILOT_STORAGE_DRIVER"`
	Path   string `yaml:"path" env:"TASKPILOT_STORAGE_PATH"`
}

// SecurityConfig holds the key material used to encrypt stored credentials.
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key" env:"TASKPILOT_ENCRYPTION_KEY"`
}

// ProvidersConfig carries per-vendor overrides.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Google    ProviderConfig `yaml:"google"`
}

// ProviderConfig overrides the defaults of one vendor client. Every field is
// optional.
type ProviderConfig struct {
	BaseURL    string                   `yaml:"base_url"`
	MaxRetries int                      `yaml:"max_retries"`
	Timeout    time.Duration            `yaml:"timeout"`
	TestModel  string                   `yaml:"test_model"`
	Models     []models.ModelDescriptor `yaml:"models"`
}

// For returns the settings of a provider.
func (p ProvidersConfig) For(id models.ProviderID) ProviderConfig {
	switch id {
	case models.ProviderOpenAI:
		return p.OpenAI
	case models.ProviderAnthropic:
		return p.Anthropic
	case models.ProviderGoogle:
		return p.Google
	}
	return ProviderConfig{}
}

// Default returns a configuration suitable for local development.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			BodyLimit:       "1M",
			RateLimit:       10,
			RateBurst:       20,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Auth: AuthConfig{
			Issuer:   "taskpilot",
			TokenTTL: time.Hour,
		},
		Storage: StorageConfig{
			Driver: StorageMemory,
		},
		Providers: ProvidersConfig{
			OpenAI:    ProviderConfig{MaxRetries: 2, Timeout: 60 * time.Second},
			Anthropic: ProviderConfig{MaxRetries: 2, Timeout: 60 * time.Second},
			Google:    ProviderConfig{MaxRetries: 2, Timeout: 60 * time.Second},
		},
	}
}

// Load reads YAML configuration from disk on top of the defaults, applies
// environment overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return errors.New("server.rate_limit and server.rate_burst must not be negative")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path must be provided for the sqlite driver")
		}
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", StorageMemory, StorageSQLite, c.Storage.Driver)
	}

	if c.Auth.TokenTTL < 0 {
		return errors.New("auth.token_ttl must not be negative")
	}

	for _, id := range models.KnownProviders {
		if err := validateProvider(id, c.Providers.For(id)); err != nil {
			return err
		}
	}

	return nil
}

// RequireSecrets checks the settings needed to serve authenticated traffic.
func (c Config) RequireSecrets() error {
	if len(c.Auth.JWTSecret) < minSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d characters", minSecretLength)
	}
	if len(c.Security.EncryptionKey) < minSecretLength {
		return fmt.Errorf("security.encryption_key must be at least %d characters", minSecretLength)
	}
	return nil
}

func validateProvider(id models.ProviderID, provider ProviderConfig) error {
	if provider.BaseURL != "" {
		u, err := url.Parse(provider.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("provider %s: base_url %q must be an absolute URL", id, provider.BaseURL)
		}
	}
	if provider.MaxRetries < 0 {
		return fmt.Errorf("provider %s: max_retries must not be negative", id)
	}
	if provider.Timeout < 0 {
		return fmt.Errorf("provider %s: timeout must not be negative", id)
	}

	seen := make(map[string]struct{}, len(provider.Models))
	for _, model := range provider.Models {
		modelID := strings.TrimSpace(model.ID)
		if modelID == "" {
			return fmt.Errorf("provider %s: model id must not be empty", id)
		}
		if _, dup := seen[modelID]; dup {
			return fmt.Errorf("provider %s: model %q is listed twice", id, modelID)
		}
		seen[modelID] = struct{}{}
	}

	if provider.TestModel != "" && len(provider.Models) > 0 {
		if _, ok := seen[provider.TestModel]; !ok {
			return fmt.Errorf("provider %s: test_model %q is not in the model list", id, provider.TestModel)
		}
	}

	return nil
}

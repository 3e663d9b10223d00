package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// MaxStatsCacheTTL bounds how stale annotation statistics may be served.
const MaxStatsCacheTTL = 60 * time.Second

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
	Auth    AuthConfig
	Import  ImportConfig
	Stats   StatsConfig
	Metrics MetricsConfig
}

type ServerConfig struct {
	Port     int `validate:"min=1,max=65535"`
	APIToken string
}

type StorageConfig struct {
	DataDir string `validate:"required"`
}

type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=text json"`
}

type AuthConfig struct {
	DefaultUser string `validate:"required"`
}

type ImportConfig struct {
	MaxUploadBytes int64 `validate:"min=1"`
	Workers        int   `validate:"min=1,max=64"`
}

type StatsConfig struct {
	CacheTTL time.Duration
}

type MetricsConfig struct {
	Enabled bool
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 8000},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info", Format: "text"},
		Auth:    AuthConfig{DefaultUser: "demo-user"},
		Import:  ImportConfig{MaxUploadBytes: 10 << 20, Workers: 4},
		Stats:   StatsConfig{CacheTTL: 30 * time.Second},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/opencoding/config.yaml and the environment.
// Environment variables (OPENCODING_*) override file values.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Stats.CacheTTL <= 0 || cfg.Stats.CacheTTL > MaxStatsCacheTTL {
		fmt.Fprintf(os.Stderr, "[WARN] stats.cache_ttl %s outside (0, %s]; using %s.\n", cfg.Stats.CacheTTL, MaxStatsCacheTTL, MaxStatsCacheTTL)
		cfg.Stats.CacheTTL = MaxStatsCacheTTL
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.ToLower(fld.Name)
	})
	return v
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: invalid value %v (%s %s)", keyFor(fe.Namespace()), fe.Value(), fe.Tag(), fe.Param()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// keyFor maps a validator namespace such as "config.import.maxuploadbytes"
// back to its config key.
func keyFor(namespace string) string {
	_, rest, _ := strings.Cut(namespace, ".")
	for _, s := range specs {
		if strings.ReplaceAll(s.key, "_", "") == rest {
			return s.key
		}
	}
	return rest
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "opencoding-data"
		}
	}
	return filepath.Join(dir, "opencoding")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "opencoding", "config.yaml")
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "OPENCODING_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "OPENCODING_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "OPENCODING_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "OPENCODING_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "OPENCODING_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "auth.default_user", typ: kString, env: "OPENCODING_AUTH_DEFAULT_USER",
		apply:   func(cfg *Config, v any) { cfg.Auth.DefaultUser = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.DefaultUser },
	},
	{
		key: "import.max_upload_bytes", typ: kInt, env: "OPENCODING_IMPORT_MAX_UPLOAD_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Import.MaxUploadBytes = int64(v.(int)) },
		extract: func(cfg Config) any { return cfg.Import.MaxUploadBytes },
	},
	{
		key: "import.workers", typ: kInt, env: "OPENCODING_IMPORT_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Import.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Import.Workers },
	},
	{
		key: "stats.cache_ttl", typ: kDuration, env: "OPENCODING_STATS_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Stats.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Stats.CacheTTL },
	},
	{
		key: "metrics.enabled", typ: kBool, env: "OPENCODING_METRICS_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Metrics.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Metrics.Enabled },
	},
}

// parse converts raw into the Go type of the key.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

// applyBackend copies every non-secret key present in b onto cfg. Ints are
// read natively; other typed keys are stored as strings and parsed here.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			n, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, n)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if ok && raw != "" {
			assign(cfg, s, raw, "config key "+s.key)
		}
	}
	return nil
}

// applyEnvOverrides lets OPENCODING_* variables win over file values.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if raw := os.Getenv(s.env); raw != "" {
			assign(cfg, s, raw, "env var "+s.env)
		}
	}
}

// assign parses raw for s and applies it, keeping the previous value with a
// warning when raw does not parse.
func assign(cfg *Config, s keySpec, raw, origin string) {
	v, err := s.parse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] ignoring %s=%q: %v\n", origin, raw, err)
		return
	}
	s.apply(cfg, v)
}

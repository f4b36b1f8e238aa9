package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	// validate rejects values `diary config set` should not store.
	validate func(raw string) error
	apply    func(cfg *Config, v any)
	extract  func(cfg Config) any
}

func oneOf(allowed ...string) func(string) error {
	return func(raw string) error {
		if !slices.Contains(allowed, strings.ToLower(raw)) {
			return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
		}
		return nil
	}
}

func positiveDuration(raw string) error {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func intIn(lo, hi int) func(string) error {
	return func(raw string) error {
		i, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		if i < lo || i > hi {
			return fmt.Errorf("must be between %d and %d", lo, hi)
		}
		return nil
	}
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DIARY_SERVER_PORT",
		validate: intIn(1, 65535),
		apply:    func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract:  func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "DIARY_SERVER_MAX_CONNS",
		validate: intIn(0, 1<<16),
		apply:    func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract:  func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DIARY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "engine.base_url", typ: kString, env: "DIARY_ENGINE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.BaseURL },
	},
	{
		key: "engine.license", typ: kString, env: "DIARY_ENGINE_LICENSE",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Engine.License = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.License },
	},
	{
		key: "engine.user_id", typ: kString, env: "DIARY_ENGINE_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.Engine.UserID = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.UserID },
	},
	{
		key: "engine.strategy", typ: kString, env: "DIARY_ENGINE_STRATEGY",
		validate: oneOf("fresh", "shared", "pooled"),
		apply:    func(cfg *Config, v any) { cfg.Engine.Strategy = v.(string) },
		extract:  func(cfg Config) any { return cfg.Engine.Strategy },
	},
	{
		key: "engine.pool_size", typ: kInt, env: "DIARY_ENGINE_POOL_SIZE",
		validate: intIn(1, 64),
		apply:    func(cfg *Config, v any) { cfg.Engine.PoolSize = v.(int) },
		extract:  func(cfg Config) any { return cfg.Engine.PoolSize },
	},
	{
		key: "preview.preset", typ: kString, env: "DIARY_PREVIEW_PRESET",
		validate: oneOf("thumbnail", "portrait"),
		apply:    func(cfg *Config, v any) { cfg.Preview.Preset = v.(string) },
		extract:  func(cfg Config) any { return cfg.Preview.Preset },
	},
	{
		key: "preview.timeout", typ: kString, env: "DIARY_PREVIEW_TIMEOUT",
		validate: positiveDuration,
		apply:    func(cfg *Config, v any) { cfg.Preview.Timeout = v.(string) },
		extract:  func(cfg Config) any { return cfg.Preview.Timeout },
	},
	{
		key: "preview.sweep_interval", typ: kString, env: "DIARY_PREVIEW_SWEEP_INTERVAL",
		validate: positiveDuration,
		apply:    func(cfg *Config, v any) { cfg.Preview.SweepInterval = v.(string) },
		extract:  func(cfg Config) any { return cfg.Preview.SweepInterval },
	},
	{
		key: "log.level", typ: kString, env: "DIARY_LOG_LEVEL",
		validate: oneOf("debug", "info", "warn", "warning", "error"),
		apply:    func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract:  func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

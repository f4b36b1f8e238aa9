package config

import (
	"fmt"
	"path/filepath"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Engine  EngineConfig
	Preview PreviewConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
	// MaxConns caps concurrent HTTP connections.
	MaxConns int
}

type StorageConfig struct {
	DataDir string
}

type EngineConfig struct {
	BaseURL  string
	License  string
	UserID   string
	Strategy string
	PoolSize int
}

type PreviewConfig struct {
	Preset        string
	Timeout       string
	SweepInterval string
}

type LogConfig struct {
	Level string
}

// PreviewDir is where rendered previews are persisted.
func (c Config) PreviewDir() string {
	return filepath.Join(c.Storage.DataDir, "previews")
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 64,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Engine: EngineConfig{
			BaseURL:  "http://localhost:7800",
			UserID:   "diary-local",
			Strategy: "shared",
			PoolSize: 2,
		},
		Preview: PreviewConfig{
			Preset:        "thumbnail",
			Timeout:       "60s",
			SweepInterval: "1h",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.jeremieb.diary) and the
// engine license falls back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/diary/config.json
// and secrets live in $XDG_DATA_HOME/diary/secrets.json.
//
// Environment variables (DIARY_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Engine.License == "" {
		if key, err := kc.Get(keychainService, licenseAccount); err == nil && key != "" {
			cfg.Engine.License = key
		}
	}

	if cfg.Engine.License == "" {
		msg := "missing required config: render engine license. " +
			"Set it via environment variable DIARY_ENGINE_LICENSE" +
			licenseHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	return cfg, nil
}

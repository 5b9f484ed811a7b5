package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr         string
	ExternalHost string

	// InternalToken gates the /internal management routes.
	InternalToken string

	MaxSessions    int64
	DefaultTimeout time.Duration

	// Browser process configuration
	ChromeBin     string // empty means auto-detect
	ExtensionsDir string // base path for bundled extensions
	Headless      bool
}

func Load() Config {
	cfg := Config{
		Addr:           getenv("BROWSERHUB_ADDR", ":3000"),
		ExternalHost:   getenv("BROWSERHUB_EXTERNAL_HOST", "localhost:3000"),
		InternalToken:  os.Getenv("BROWSERHUB_INTERNAL_TOKEN"),
		MaxSessions:    10,
		DefaultTimeout: 30 * time.Second,
		ChromeBin:      os.Getenv("BROWSERHUB_CHROME_BIN"),
		ExtensionsDir:  getenv("BROWSERHUB_EXTENSIONS_DIR", "/var/lib/browserhub/extensions"),
		Headless:       true,
	}

	if v := os.Getenv("BROWSERHUB_MAX_SESSIONS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxSessions = n
		}
	}

	if v := os.Getenv("BROWSERHUB_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DefaultTimeout = d
		}
	}

	if v := os.Getenv("BROWSERHUB_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Headless = b
		}
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for filecourier.
// Connection settings may also come from the state database (written by
// `filecourier login`); environment values take precedence so one-off
// runs can override the stored profile.
type Config struct {
	// Server connection. Optional here: commands resolve missing
	// fields from the state database and the upload path fails fast
	// when the resolved endpoint is still incomplete.
	SiteURL     string `env:"FILECOURIER_SITE_URL"`
	Username    string `env:"FILECOURIER_USERNAME"`
	AppPassword string `env:"FILECOURIER_APP_PASSWORD"`

	// Passphrase unlocks the sealed application password stored by
	// `filecourier login`. Ignored when APP_PASSWORD is set directly.
	Passphrase string `env:"FILECOURIER_PASSPHRASE"`

	// CacheDir is the private working area for bundling (staging
	// batches and finished archives). Defaults to the user cache dir.
	CacheDir string `env:"FILECOURIER_CACHE_DIR"`

	// MimeOverrides points at an optional YAML extension-to-type
	// table consulted before the platform mime registry.
	MimeOverrides string `env:"FILECOURIER_MIME_OVERRIDES"`

	// ListPageSize is the page size requested from the files listing.
	ListPageSize int `env:"FILECOURIER_LIST_PAGE_SIZE" envDefault:"1000"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables. It first
// attempts to load a .env file if present, then parses env vars and
// fills in directory defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("determining cache directory: %w", err)
		}

		cfg.CacheDir = filepath.Join(base, "filecourier", "upload-batches")
	}

	if cfg.MimeOverrides == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.MimeOverrides = filepath.Join(home, ".filecourier", "mime.yaml")
		}
	}

	if cfg.ListPageSize <= 0 {
		return nil, fmt.Errorf("FILECOURIER_LIST_PAGE_SIZE must be positive")
	}

	return cfg, nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets a filecourier variable for the test, restoring it
// afterwards.
func clearEnv(t *testing.T, key string) {
	t.Helper()

	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func clearAllEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"FILECOURIER_SITE_URL",
		"FILECOURIER_USERNAME",
		"FILECOURIER_APP_PASSWORD",
		"FILECOURIER_PASSPHRASE",
		"FILECOURIER_CACHE_DIR",
		"FILECOURIER_MIME_OVERRIDES",
		"FILECOURIER_LIST_PAGE_SIZE",
		"ENVIRONMENT",
	} {
		clearEnv(t, key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearAllEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Empty(t, cfg.SiteURL)
	assert.Empty(t, cfg.Username)
	assert.Empty(t, cfg.AppPassword)
	assert.Equal(t, 1000, cfg.ListPageSize)
	assert.Equal(t, "development", cfg.Environment)
	assert.NotEmpty(t, cfg.CacheDir)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_ExplicitValues(t *testing.T) {
	clearAllEnv(t)

	t.Setenv("FILECOURIER_SITE_URL", "https://files.example.com")
	t.Setenv("FILECOURIER_USERNAME", "alice")
	t.Setenv("FILECOURIER_APP_PASSWORD", "s3cret")
	t.Setenv("FILECOURIER_CACHE_DIR", "/tmp/courier-cache")
	t.Setenv("FILECOURIER_MIME_OVERRIDES", "/tmp/mime.yaml")
	t.Setenv("FILECOURIER_LIST_PAGE_SIZE", "250")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://files.example.com", cfg.SiteURL)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "s3cret", cfg.AppPassword)
	assert.Equal(t, "/tmp/courier-cache", cfg.CacheDir)
	assert.Equal(t, "/tmp/mime.yaml", cfg.MimeOverrides)
	assert.Equal(t, 250, cfg.ListPageSize)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_InvalidPageSize(t *testing.T) {
	clearAllEnv(t)

	t.Setenv("FILECOURIER_LIST_PAGE_SIZE", "-5")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_MalformedPageSize(t *testing.T) {
	clearAllEnv(t)

	t.Setenv("FILECOURIER_LIST_PAGE_SIZE", "lots")

	_, err := Load()
	assert.Error(t, err)
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
	assert.False(t, (&Config{}).IsProduction())
}

package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	graphstore "github.com/nlstn/go-graphstore"
)

// clearEnv blanks every variable the loader reads; empty counts as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"GRAPHSTORE_DRIVER", "GRAPHSTORE_PATH", "GRAPHSTORE_DSN", "DATABASE_URL",
		"GRAPHSTORE_READ_ONLY", "GRAPHSTORE_AUTO_MIGRATE", "GRAPHSTORE_JOURNAL_RETENTION",
		"GRAPHSTORE_MODE", "GRAPHSTORE_WRITER_NAME", "GRAPHSTORE_TIMEOUT",
		"GRAPHSTORE_LOG_LEVEL", "LOG_LEVEL", "GRAPHSTORE_LOG_FORMAT", "LOG_FORMAT",
	} {
		t.Setenv(name, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	location, err := graphstore.DefaultLocation()
	require.NoError(t, err)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, location, cfg.Store.Path)
	assert.Equal(t, location, cfg.Store.Location())
	assert.True(t, filepath.IsAbs(cfg.Store.Path), "the store lives in the per-user directory")
	assert.False(t, cfg.Store.ReadOnly)
	assert.True(t, cfg.Store.AutoMigrate)
	assert.Equal(t, 24*time.Hour, cfg.Store.JournalRetention)
	assert.Equal(t, "writer-closure", cfg.Import.Mode)
	assert.Equal(t, "workerContext", cfg.Import.WriterName)
	assert.Equal(t, 5*time.Minute, cfg.Import.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_OverrideDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("GRAPHSTORE_PATH", "/tmp/catalog.db")
	t.Setenv("GRAPHSTORE_MODE", "main-line")
	t.Setenv("GRAPHSTORE_READ_ONLY", "true")
	t.Setenv("GRAPHSTORE_TIMEOUT", "30s")
	t.Setenv("GRAPHSTORE_LOG_FORMAT", "json")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	assert.Equal(t, "/tmp/catalog.db", cfg.Store.Path)
	assert.Equal(t, "main-line", cfg.Import.Mode)
	assert.True(t, cfg.Store.ReadOnly)
	assert.Equal(t, 30*time.Second, cfg.Import.Timeout)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_AltEnvVar(t *testing.T) {
	clearEnv(t)
	t.Setenv("GRAPHSTORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/catalog")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	assert.Equal(t, "postgres://localhost/catalog", cfg.Store.DSN)
	assert.Equal(t, "postgres://localhost/catalog", cfg.Store.Location())
	assert.Empty(t, cfg.Store.Path, "no sqlite path for postgres")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.NotContains(t, cfg.String(), "localhost", "the DSN is masked")
}

func TestLoad_InvalidValue(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"bad duration", "GRAPHSTORE_TIMEOUT", "soon"},
		{"bad boolean", "GRAPHSTORE_READ_ONLY", "maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.env, tt.val)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.env)
		})
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := &Config{
		Store:   StoreConfig{Driver: "postgres"},
		Import:  ImportConfig{Mode: "sideways"},
		Logging: LoggingConfig{Level: "loud", Format: "xml"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"GRAPHSTORE_DSN",
		"GRAPHSTORE_MODE",
		"GRAPHSTORE_TIMEOUT",
		"GRAPHSTORE_LOG_LEVEL",
		"GRAPHSTORE_LOG_FORMAT",
	} {
		assert.Contains(t, msg, want)
	}
	assert.Equal(t, 5, strings.Count(msg, "\n  - "), "one line per problem")
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := &Config{
		Store:   StoreConfig{Driver: "mysql", Path: "x.db"},
		Import:  ImportConfig{Mode: "writer-named", Timeout: time.Second},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GRAPHSTORE_DRIVER")
}

func TestOptions(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Driver: "sqlite", ReadOnly: true, AutoMigrate: false, JournalRetention: time.Hour}}
	// driver, synchronous load, read-only, no auto-migrate, retention
	assert.Len(t, cfg.Options(), 5)

	cfg = &Config{Store: StoreConfig{Driver: "sqlite", AutoMigrate: true}}
	assert.Len(t, cfg.Options(), 2)
}

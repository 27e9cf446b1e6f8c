// Package config loads the graphstore command's configuration from
// environment variables, applying defaults and validating the result.
package config

import "time"

// Config holds the command configuration.
type Config struct {
	Store   StoreConfig
	Import  ImportConfig
	Logging LoggingConfig
}

// StoreConfig selects and opens the store.
type StoreConfig struct {
	// Driver is the database driver: sqlite or postgres (default: sqlite)
	Driver string `env:"GRAPHSTORE_DRIVER" default:"sqlite"`

	// Path is the sqlite file (default: graphstore.db in graphstore.DefaultDirectory)
	Path string `env:"GRAPHSTORE_PATH"`

	// DSN is the PostgreSQL connection string, required for the postgres driver
	DSN string `env:"GRAPHSTORE_DSN" envAlt:"DATABASE_URL"`

	// ReadOnly opens the store without write access (default: false)
	ReadOnly bool `env:"GRAPHSTORE_READ_ONLY" default:"false"`

	// AutoMigrate migrates the stored schema on model mismatch (default: true)
	AutoMigrate bool `env:"GRAPHSTORE_AUTO_MIGRATE" default:"true"`

	// JournalRetention is how long merged journal entries are kept (default: 24h)
	JournalRetention time.Duration `env:"GRAPHSTORE_JOURNAL_RETENTION" default:"24h"`
}

// ImportConfig controls imports and resets.
type ImportConfig struct {
	// Mode is the persistence mode: writer-closure, writer-named or main-line
	Mode string `env:"GRAPHSTORE_MODE" default:"writer-closure"`

	// WriterName names the writer context in writer-named mode
	WriterName string `env:"GRAPHSTORE_WRITER_NAME" default:"workerContext"`

	// Timeout bounds one command (default: 5m)
	Timeout time.Duration `env:"GRAPHSTORE_TIMEOUT" default:"5m"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"GRAPHSTORE_LOG_LEVEL" envAlt:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"GRAPHSTORE_LOG_FORMAT" envAlt:"LOG_FORMAT" default:"text"`
}

// Location returns where the store lives for the configured driver.
func (c *StoreConfig) Location() string {
	if c.Driver == "postgres" {
		return c.DSN
	}
	return c.Path
}

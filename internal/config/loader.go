package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	graphstore "github.com/nlstn/go-graphstore"
)

// Load reads the configuration from the environment, applies defaults and
// validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	if cfg.Store.Path == "" && !strings.EqualFold(cfg.Store.Driver, string(graphstore.DriverPostgres)) {
		location, err := graphstore.DefaultLocation()
		if err != nil {
			return nil, fmt.Errorf("config load: GRAPHSTORE_PATH: %w", err)
		}
		cfg.Store.Path = location
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)
		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}
		value, set := os.LookupEnv(envName)
		if !set || value == "" {
			if alt := field.Tag.Get("envAlt"); alt != "" {
				value = os.Getenv(alt)
			}
		}
		if value == "" {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	switch graphstore.Driver(strings.ToLower(c.Store.Driver)) {
	case graphstore.DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, "GRAPHSTORE_PATH is required for the sqlite driver")
		}
	case graphstore.DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, "GRAPHSTORE_DSN is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("GRAPHSTORE_DRIVER (%q) must be one of: sqlite, postgres", c.Store.Driver))
	}

	if _, err := graphstore.ParseMode(c.Import.Mode); err != nil {
		errs = append(errs, fmt.Sprintf("GRAPHSTORE_MODE (%q) must be one of: %s", c.Import.Mode, modeNames()))
	}
	if c.Import.Timeout <= 0 {
		errs = append(errs, "GRAPHSTORE_TIMEOUT must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("GRAPHSTORE_LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("GRAPHSTORE_LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func modeNames() string {
	modes := graphstore.Modes()
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = m.String()
	}
	return strings.Join(names, ", ")
}

// Options translates the store settings into Open options.
func (c *Config) Options() []graphstore.Option {
	opts := []graphstore.Option{
		graphstore.WithDriver(graphstore.Driver(strings.ToLower(c.Store.Driver))),
		graphstore.WithSynchronousLoad(),
	}
	if c.Store.ReadOnly {
		opts = append(opts, graphstore.WithReadOnly())
	}
	if !c.Store.AutoMigrate {
		opts = append(opts, graphstore.WithoutAutoMigrate())
	}
	if c.Store.JournalRetention != 0 {
		opts = append(opts, graphstore.WithJournalRetention(c.Store.JournalRetention))
	}
	return opts
}

// String renders the configuration for logging with the DSN masked.
func (c *Config) String() string {
	dsn := ""
	if c.Store.DSN != "" {
		dsn = "[MASKED]"
	}
	return fmt.Sprintf("Config{Store: {Driver: %q, Path: %q, DSN: %s, ReadOnly: %v}, Import: {Mode: %q, WriterName: %q, Timeout: %s}, Logging: {Level: %q, Format: %q}}",
		c.Store.Driver, c.Store.Path, dsn, c.Store.ReadOnly,
		c.Import.Mode, c.Import.WriterName, c.Import.Timeout,
		c.Logging.Level, c.Logging.Format)
}

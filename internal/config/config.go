// ABOUTME: Configuration loading and parsing for tablecache
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion and TABLECACHE_* env overrides

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/2389/tablecache/internal/fieldcrypt"
	"github.com/2389/tablecache/internal/idb"
	"github.com/2389/tablecache/internal/schema"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TABLECACHE_"

// DefaultWatchInterval is how often an open store polls for version changes
// made by other sessions. Set watch_interval to "0" to disable polling.
const DefaultWatchInterval = "2s"

// Config represents the complete tablecache configuration
type Config struct {
	Store   StoreConfig   `yaml:"store" toml:"store"`
	Crypto  CryptoConfig  `yaml:"crypto" toml:"crypto"`
	Cache   CacheConfig   `yaml:"cache" toml:"cache"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Tables  []TableConfig `yaml:"tables" toml:"tables"`
}

// StoreConfig locates the SQLite store
type StoreConfig struct {
	Path          string `yaml:"path" toml:"path" env:"PATH"`
	Name          string `yaml:"name" toml:"name" env:"NAME"`
	Driver        string `yaml:"driver" toml:"driver" env:"DRIVER"`
	VersionOffset int    `yaml:"version_offset" toml:"version_offset" env:"VERSION_OFFSET"`

	WatchInterval    time.Duration `yaml:"-" toml:"-"`
	WatchIntervalRaw string        `yaml:"watch_interval" toml:"watch_interval" env:"WATCH_INTERVAL"`
}

// CryptoConfig holds field encryption settings
type CryptoConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Key     string `yaml:"key" toml:"key" env:"KEY"`
	// Salt defaults to the store name.
	Salt string `yaml:"salt" toml:"salt" env:"SALT"`
}

// CacheConfig holds cache directory settings
type CacheConfig struct {
	DedupeWindow    time.Duration `yaml:"-" toml:"-"`
	DedupeWindowRaw string        `yaml:"dedupe_window" toml:"dedupe_window" env:"DEDUPE_WINDOW"`
	DedupeSize      int           `yaml:"dedupe_size" toml:"dedupe_size" env:"DEDUPE_SIZE"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
	// File sends logs to a rotating file instead of stderr.
	File       string `yaml:"file" toml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups" env:"MAX_BACKUPS"`
}

// TableConfig declares one cached table
type TableConfig struct {
	Name       string                 `yaml:"name" toml:"name"`
	URL        string                 `yaml:"url" toml:"url"`
	PrimaryKey KeyList                `yaml:"primary_key" toml:"primary_key"`
	Version    int                    `yaml:"version" toml:"version"`
	Indexes    map[string]IndexConfig `yaml:"indexes" toml:"indexes"`
	Encrypt    []string               `yaml:"encrypt" toml:"encrypt"`
	Decrypt    []string               `yaml:"decrypt" toml:"decrypt"`
}

// IndexConfig declares one secondary index
type IndexConfig struct {
	Key        KeyList `yaml:"key" toml:"key"`
	Unique     bool    `yaml:"unique" toml:"unique"`
	MultiEntry bool    `yaml:"multi_entry" toml:"multi_entry"`
}

// KeyList is a key path written either as a single string or a list.
type KeyList []string

// UnmarshalYAML accepts a scalar or a sequence of strings.
func (k *KeyList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*k = KeyList{value.Value}
		return nil
	case yaml.SequenceNode:
		var parts []string
		if err := value.Decode(&parts); err != nil {
			return err
		}
		*k = parts
		return nil
	default:
		return fmt.Errorf("line %d: key path must be a string or a list of strings", value.Line)
	}
}

// UnmarshalTOML accepts a string or an array of strings.
func (k *KeyList) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case string:
		*k = KeyList{v}
		return nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("key path element %v is not a string", item)
			}
			parts = append(parts, s)
		}
		*k = parts
		return nil
	default:
		return fmt.Errorf("key path must be a string or an array of strings, got %T", data)
	}
}

// DefaultPath returns $TABLECACHE_CONFIG or $XDG_CONFIG_HOME/tablecache/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "tablecache", "config.yaml")
}

// Load reads and parses a configuration file.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in ${VAR} format are expanded before parsing, and
// TABLECACHE_* variables override the decoded values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	applyDefaults(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable values.
// Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnv overrides each section from TABLECACHE_<SECTION>_* variables.
// Tables are file-only.
func applyEnv(cfg *Config) error {
	sections := []struct {
		prefix string
		target any
	}{
		{"STORE_", &cfg.Store},
		{"CRYPTO_", &cfg.Crypto},
		{"CACHE_", &cfg.Cache},
		{"LOG_", &cfg.Logging},
	}
	for _, s := range sections {
		if err := env.ParseWithOptions(s.target, env.Options{Prefix: EnvPrefix + s.prefix}); err != nil {
			return err
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Name == "" {
		cfg.Store.Name = "tablecache"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = idb.DefaultDriver
	}
	if cfg.Store.WatchIntervalRaw == "" {
		cfg.Store.WatchIntervalRaw = DefaultWatchInterval
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 10
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Store.WatchIntervalRaw != "" {
		cfg.Store.WatchInterval, err = time.ParseDuration(cfg.Store.WatchIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing watch_interval %q: %w", cfg.Store.WatchIntervalRaw, err)
		}
	}

	if cfg.Cache.DedupeWindowRaw != "" {
		cfg.Cache.DedupeWindow, err = time.ParseDuration(cfg.Cache.DedupeWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_window %q: %w", cfg.Cache.DedupeWindowRaw, err)
		}
	}

	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required (use %q for an in-memory store)", idb.MemoryDir)
	}

	switch c.Store.Driver {
	case "", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver %q is not supported (want sqlite or sqlite3)", c.Store.Driver)
	}

	if c.Store.WatchInterval < 0 {
		return fmt.Errorf("store.watch_interval must not be negative")
	}

	if c.Crypto.Enabled && len(c.Crypto.Key) < fieldcrypt.MinKeyMaterial {
		return fmt.Errorf("crypto.key must be at least %d bytes when crypto is enabled", fieldcrypt.MinKeyMaterial)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (want text or json)", c.Logging.Format)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}

	if len(c.Tables) == 0 {
		return fmt.Errorf("at least one table is required")
	}

	seen := make(map[string]bool, len(c.Tables))
	for i, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("tables[%d].name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("tables[%d].name %q is declared twice", i, t.Name)
		}
		seen[t.Name] = true
		if (len(t.Encrypt) > 0 || len(t.Decrypt) > 0) && !c.Crypto.Enabled {
			return fmt.Errorf("tables[%d] (%s) declares encrypted fields but crypto is not enabled", i, t.Name)
		}
		for name, idx := range t.Indexes {
			if len(idx.Key) == 0 {
				return fmt.Errorf("tables[%d].indexes.%s.key is required", i, name)
			}
		}
	}

	return nil
}

// LogLevel parses logging.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if c.Logging.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return 0, fmt.Errorf("logging.level %q: %w", c.Logging.Level, err)
	}
	return level, nil
}

// Declarations converts the configured tables into schema declarations.
func (c *Config) Declarations() []schema.TableDeclaration {
	decls := make([]schema.TableDeclaration, 0, len(c.Tables))
	for _, t := range c.Tables {
		decl := schema.TableDeclaration{
			Name:       t.Name,
			URL:        t.URL,
			PrimaryKey: idb.KeyPath(t.PrimaryKey),
			Version:    t.Version,
			Encrypt:    t.Encrypt,
			Decrypt:    t.Decrypt,
		}
		if len(t.Indexes) > 0 {
			decl.Indexes = make(map[string]schema.IndexDeclaration, len(t.Indexes))
			for name, idx := range t.Indexes {
				decl.Indexes[name] = schema.IndexDeclaration{
					KeyPath: idb.KeyPath(idx.Key),
					Options: idb.IndexOptions{Unique: idx.Unique, MultiEntry: idx.MultiEntry},
				}
			}
		}
		decls = append(decls, decl)
	}
	return decls
}

// Factory builds the SQLite store factory described by the store section.
func (c *Config) Factory(logger *slog.Logger) *idb.SQLite {
	return &idb.SQLite{
		Dir:           c.Store.Path,
		Driver:        c.Store.Driver,
		WatchInterval: c.Store.WatchInterval,
		Logger:        logger,
	}
}

// CryptoProvider builds the field encryption provider, or returns nil when crypto is
// disabled.
func (c *Config) CryptoProvider(logger *slog.Logger) (fieldcrypt.Provider, error) {
	if !c.Crypto.Enabled {
		return nil, nil
	}
	salt := c.Crypto.Salt
	if salt == "" {
		salt = c.Store.Name
	}
	cipher, err := fieldcrypt.NewXChaCha([]byte(c.Crypto.Key), []byte(salt))
	if err != nil {
		return nil, fmt.Errorf("creating field cipher: %w", err)
	}
	pipeline, err := fieldcrypt.NewPipeline(cipher, logger)
	if err != nil {
		return nil, err
	}
	return pipeline, nil
}

// Package config reads the qtinav YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level structure of qtinav.yaml.
type Config struct {
	Version int           `yaml:"version"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Items   ItemsConfig   `yaml:"items"`
	Sync    SyncConfig    `yaml:"sync"`
	Offline OfflineConfig `yaml:"offline"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// StorageConfig locates the authoritative server database.
type StorageConfig struct {
	Database string `yaml:"database"`
}

// ItemsConfig selects where item definitions are loaded from.
type ItemsConfig struct {
	Source    string   `yaml:"source"` // "sqlite" | "s3"
	CacheSize int      `yaml:"cache_size"`
	S3        S3Config `yaml:"s3"`
}

// S3Config locates item definitions in an S3 bucket.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// SyncConfig controls the synchronisation endpoint.
type SyncConfig struct {
	MaxBatch int `yaml:"max_batch"`
}

// OfflineConfig controls an offline client.
type OfflineConfig struct {
	Database  string        `yaml:"database"`
	Server    string        `yaml:"server"`
	BatchSize int           `yaml:"batch_size"`
	Interval  time.Duration `yaml:"interval"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Item sources.
const (
	SourceSQLite = "sqlite"
	SourceS3     = "s3"
)

// Default returns a Config with every field set.
func Default() *Config {
	return &Config{
		Version: 1,
		Server:  ServerConfig{Listen: ":8080"},
		Storage: StorageConfig{Database: "qtinav.db"},
		Items:   ItemsConfig{Source: SourceSQLite, CacheSize: 256, S3: S3Config{Prefix: "items/"}},
		Sync:    SyncConfig{MaxBatch: 500},
		Offline: OfflineConfig{
			Database:  "qtinav-offline.db",
			Server:    "http://localhost:8080",
			BatchSize: 50,
			Interval:  30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. Unknown keys are an error. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.Version != 1 {
		errs = append(errs, fmt.Errorf("version: unsupported version %d", c.Version))
	}
	if c.Storage.Database == "" {
		errs = append(errs, errors.New("storage.database: required"))
	}
	switch c.Items.Source {
	case SourceSQLite:
	case SourceS3:
		if c.Items.S3.Bucket == "" {
			errs = append(errs, errors.New("items.s3.bucket: required when items.source is s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("items.source: must be %q or %q, got %q", SourceSQLite, SourceS3, c.Items.Source))
	}
	if c.Items.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("items.cache_size: must be positive, got %d", c.Items.CacheSize))
	}
	if c.Sync.MaxBatch <= 0 {
		errs = append(errs, fmt.Errorf("sync.max_batch: must be positive, got %d", c.Sync.MaxBatch))
	}
	if c.Offline.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("offline.batch_size: must be positive, got %d", c.Offline.BatchSize))
	}
	if c.Offline.BatchSize > c.Sync.MaxBatch {
		errs = append(errs, fmt.Errorf("offline.batch_size: %d exceeds sync.max_batch %d", c.Offline.BatchSize, c.Sync.MaxBatch))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Package config materialises application configuration from file,
// environment, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/Dicklesworthstone/caut/internal/logging"
	"github.com/Dicklesworthstone/caut/internal/storage"
)

// Config is the full application configuration.
type Config struct {
	Logging   logging.Config  `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Retention RetentionConfig `mapstructure:"retention"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
}

// StorageConfig locates the history database.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// RetentionConfig mirrors storage.RetentionPolicy in config form.
type RetentionConfig struct {
	DetailedDays  int   `mapstructure:"detailed_days"`
	AggregateDays int   `mapstructure:"aggregate_days"`
	MaxSizeMB     int64 `mapstructure:"max_size_mb"`
	IntervalHours int   `mapstructure:"interval_hours"`
}

// Policy converts the config values to the storage policy.
func (r RetentionConfig) Policy() storage.RetentionPolicy {
	return storage.RetentionPolicy{
		DetailedRetentionDays:  r.DetailedDays,
		AggregateRetentionDays: r.AggregateDays,
		MaxSizeBytes:           r.MaxSizeMB * 1024 * 1024,
		PruneIntervalHours:     r.IntervalHours,
	}
}

// PipelineConfig governs fetch orchestration.
type PipelineConfig struct {
	OpenCircuitAfter int `mapstructure:"open_circuit_after"`
}

// Load builds configuration from an optional config file, CAUT_* environment
// variables, and defaults. An absent config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CAUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigDir())
		v.AddConfigPath(".")
	}

	if err := readConfig(v, path != ""); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfig(v *viper.Viper, explicit bool) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && !explicit {
			return nil
		}
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("storage.data_dir", DefaultDataDir())

	v.SetDefault("retention.detailed_days", storage.DefaultDetailedRetentionDays)
	v.SetDefault("retention.aggregate_days", storage.DefaultAggregateRetentionDays)
	v.SetDefault("retention.max_size_mb", int64(storage.DefaultMaxSizeBytes/(1024*1024)))
	v.SetDefault("retention.interval_hours", storage.DefaultPruneIntervalHours)

	v.SetDefault("pipeline.open_circuit_after", 3)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate rejects configurations the store would refuse anyway, before any
// database is opened.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	if err := c.Retention.Policy().Validate(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	if c.Pipeline.OpenCircuitAfter <= 0 {
		return fmt.Errorf("pipeline.open_circuit_after must be greater than zero")
	}
	return nil
}

// DefaultDataDir is where the history database lives unless overridden.
func DefaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".local", "share", "caut")
	}
	return "caut-data"
}

func defaultConfigDir() string {
	if configDir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(configDir, "caut")
	}
	return "."
}

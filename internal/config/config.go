// Package config loads stepsync settings from an optional YAML file,
// STEPSYNC_* environment variables and command-line flags, in increasing
// order of precedence.
//
// Keys use "::" as the nesting delimiter internally so permission actions
// such as "wizard.sync" survive as single map keys.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/stepsync/internal/breaker"
	"github.com/roach88/stepsync/internal/permission"
	"github.com/roach88/stepsync/internal/store"
	"github.com/roach88/stepsync/internal/transport"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "stepsync.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STEPSYNC"

const keyDelim = "::"

// Config is the resolved configuration.
type Config struct {
	Database     string        `mapstructure:"database" validate:"required"`
	Endpoint     string        `mapstructure:"endpoint" validate:"omitempty,url"`
	Token        string        `mapstructure:"token"`
	SyncInterval time.Duration `mapstructure:"sync_interval" validate:"gt=0"`

	Breaker BreakerConfig `mapstructure:"breaker"`
	Retry   RetryConfig   `mapstructure:"retry"`

	SchemaFile string `mapstructure:"schema_file"`
	FieldsFile string `mapstructure:"fields_file"`

	// EncryptionKey is a hex-encoded AES-256 key. Empty stores payloads
	// in plain JSON.
	EncryptionKey string `mapstructure:"encryption_key" validate:"omitempty,hexadecimal,len=64"`

	// Permissions maps actions such as "wizard.sync" to a decision.
	// Unlisted actions are allowed.
	Permissions map[string]bool `mapstructure:"permissions"`

	Log         LogConfig `mapstructure:"log"`
	MetricsAddr string    `mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
}

// BreakerConfig mirrors breaker.Config.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gt=0"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout" validate:"gt=0"`
}

// RetryConfig mirrors transport.RetryConfig plus the request rate limit.
type RetryConfig struct {
	MaxRetries        int           `mapstructure:"max_retries" validate:"gt=0"`
	BaseDelay         time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout" validate:"gte=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
}

// LogConfig controls the process logger. File, when set, enables a
// rotating log file.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
}

var defaults = map[string]any{
	"database":                   "stepsync.db",
	"endpoint":                   "",
	"token":                      "",
	"sync_interval":              30 * time.Second,
	"breaker::failure_threshold": 5,
	"breaker::reset_timeout":     60 * time.Second,
	"retry::max_retries":         3,
	"retry::base_delay":          time.Second,
	"retry::attempt_timeout":     30 * time.Second,
	"retry::requests_per_second": 0.0,
	"schema_file":                "",
	"fields_file":                "",
	"encryption_key":             "",
	"log::level":                 "info",
	"log::file":                  "",
	"log::max_size_mb":           10,
	"log::max_backups":           3,
	"metrics_addr":               "",
}

// flagKeys maps flag names to config keys. Only flags present in the
// FlagSet passed to Load are bound.
var flagKeys = map[string]string{
	"db":           "database",
	"endpoint":     "endpoint",
	"token":        "token",
	"interval":     "sync_interval",
	"schema":       "schema_file",
	"fields":       "fields_file",
	"metrics-addr": "metrics_addr",
	"log-file":     "log::file",
}

var validate = validator.New()

// Load resolves the configuration. path may be empty, in which case
// DefaultFile is read if it exists. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelim))
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelim, "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	return decode(v)
}

// Default returns the built-in defaults with no file, environment or flags
// applied.
func Default() *Config {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelim))
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	cfg, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags and reports every failing key.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// BreakerSettings converts to the breaker's config.
func (c *Config) BreakerSettings() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		ResetTimeout:     c.Breaker.ResetTimeout,
	}
}

// RetrySettings converts to the transport's retry config.
func (c *Config) RetrySettings() transport.RetryConfig {
	return transport.RetryConfig{
		MaxRetries:     c.Retry.MaxRetries,
		BaseDelay:      c.Retry.BaseDelay,
		AttemptTimeout: c.Retry.AttemptTimeout,
	}
}

// Cipher returns the store cipher for EncryptionKey.
func (c *Config) Cipher() (store.Cipher, error) {
	if c.EncryptionKey == "" {
		return store.PlainCipher{}, nil
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption_key: %w", err)
	}
	return store.NewAESGCMCipher(key)
}

// Oracle returns a permission oracle built from Permissions.
func (c *Config) Oracle() permission.Oracle {
	if len(c.Permissions) == 0 {
		return permission.AllowAll()
	}
	rules := make(map[string]bool, len(c.Permissions))
	for action, allowed := range c.Permissions {
		rules[action] = allowed
	}
	return permission.Static{Default: true, Rules: rules}
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

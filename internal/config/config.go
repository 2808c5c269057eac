package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config contains all configuration for the sync service
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Sync     SyncConfig     `mapstructure:"sync"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Debug  bool   `mapstructure:"debug"`
}

// ConfigureZerolog configures zerolog based on the log configuration
func (c *LogConfig) ConfigureZerolog() {
	level := zerolog.InfoLevel
	if c.Debug {
		level = zerolog.DebugLevel
	} else {
		switch strings.ToLower(c.Level) {
		case "trace":
			level = zerolog.TraceLevel
		case "debug":
			level = zerolog.DebugLevel
		case "info":
			level = zerolog.InfoLevel
		case "warn", "warning":
			level = zerolog.WarnLevel
		case "error":
			level = zerolog.ErrorLevel
		case "fatal":
			level = zerolog.FatalLevel
		case "panic":
			level = zerolog.PanicLevel
		}
	}
	zerolog.SetGlobalLevel(level)
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ListenAddress returns the host:port address the server binds to
func (c *ServerConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	DSN   string `mapstructure:"dsn"`
	Debug bool   `mapstructure:"debug"`
}

// SyncConfig tunes the replication engine
type SyncConfig struct {
	// FallbackCurrency is applied to monetary fields whose master omits one.
	FallbackCurrency string `mapstructure:"fallback_currency"`

	// StrictFields enables deletion of slave-only custom fields.
	StrictFields bool `mapstructure:"strict_fields"`

	// BatchSize and BatchDelay pace item processing to stay clear of the
	// provider rate limit. BatchSize 0 disables pacing.
	BatchSize  int           `mapstructure:"batch_size"`
	BatchDelay time.Duration `mapstructure:"batch_delay"`

	// RequestTimeout bounds a single remote API call.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxRateLimitRetries bounds how many 429 responses a single call
	// will wait out before giving up.
	MaxRateLimitRetries int `mapstructure:"max_rate_limit_retries"`
}

// Load loads the service configuration from the config file and environment
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("kommosync")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/kommosync/")
	}

	v.SetEnvPrefix("KOMMOSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("database.dsn", "file:./kommosync.db")
	v.SetDefault("sync.fallback_currency", "USD")
	v.SetDefault("sync.strict_fields", false)
	v.SetDefault("sync.batch_size", 10)
	v.SetDefault("sync.batch_delay", "2s")
	v.SetDefault("sync.request_timeout", "30s")
	v.SetDefault("sync.max_rate_limit_retries", 3)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, everything has a default or an
		// environment override. Anything else is a real problem.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configFile != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	if c.Sync.FallbackCurrency == "" {
		return fmt.Errorf("sync fallback currency is required")
	}

	if len(c.Sync.FallbackCurrency) != 3 {
		return fmt.Errorf("sync fallback currency must be a 3-letter ISO code")
	}

	if c.Sync.BatchSize < 0 {
		return fmt.Errorf("sync batch size must not be negative")
	}

	if c.Sync.RequestTimeout <= 0 {
		return fmt.Errorf("sync request timeout must be positive")
	}

	return nil
}

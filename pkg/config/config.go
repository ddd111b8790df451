package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config represents the mirrorsync process configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Source     SourceConfig     `mapstructure:"source"`
	Target     TargetConfig     `mapstructure:"target"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Shutdown   ShutdownConfig   `mapstructure:"shutdown"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// SourceConfig contains MySQL source connection settings
type SourceConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            int           `mapstructure:"port" default:"3306"`
	User            string        `mapstructure:"user" validate:"required"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database" validate:"required"`
	Charset         string        `mapstructure:"charset" default:"utf8mb4"`
	MinPoolSize     int           `mapstructure:"min_pool_size" default:"1"`
	MaxPoolSize     int           `mapstructure:"max_pool_size" default:"10"`
	PoolTimeout     time.Duration `mapstructure:"pool_timeout" default:"30s"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" default:"1h"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout" default:"30s"`
}

// TargetConfig contains MongoDB target connection settings
type TargetConfig struct {
	URI            string        `mapstructure:"uri" validate:"required"`
	Database       string        `mapstructure:"database" validate:"required"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" default:"10s"`
}

// SyncConfig contains sync behavior settings
type SyncConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	IntervalMinutes     int    `mapstructure:"interval_minutes" validate:"min=1"`
	BatchSize           int    `mapstructure:"batch_size" validate:"min=1"`
	Tables              string `mapstructure:"tables"`
	OnlyTimestampTables bool   `mapstructure:"only_timestamp_tables"`
	AutoStart           bool   `mapstructure:"auto_start"`
	// CheckpointFromRowTime advances checkpoints to the maximum fetched
	// row timestamp instead of the wall clock at sync time.
	CheckpointFromRowTime bool `mapstructure:"checkpoint_from_row_time"`
}

// MonitoringConfig contains monitoring and metrics settings
type MonitoringConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// ShutdownConfig contains graceful shutdown settings
type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// TableList parses the comma-separated table allow-list.
// An empty list means tables are auto-discovered.
func (c *SyncConfig) TableList() []string {
	if strings.TrimSpace(c.Tables) == "" {
		return nil
	}
	parts := strings.Split(c.Tables, ",")
	tables := make([]string, 0, len(parts))
	for _, p := range parts {
		if name := strings.TrimSpace(p); name != "" {
			tables = append(tables, name)
		}
	}
	return tables
}

// Interval returns the configured sync interval as a duration.
func (c *SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("MIRRORSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := defaults.Set(&config.Source); err != nil {
		return nil, fmt.Errorf("failed to apply source defaults: %w", err)
	}
	if err := defaults.Set(&config.Target); err != nil {
		return nil, fmt.Errorf("failed to apply target defaults: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)

	// Target defaults
	viper.SetDefault("target.uri", "mongodb://localhost:27017")
	viper.SetDefault("target.connect_timeout", "10s")

	// Sync defaults
	viper.SetDefault("sync.enabled", true)
	viper.SetDefault("sync.interval_minutes", 60)
	viper.SetDefault("sync.batch_size", 1000)
	viper.SetDefault("sync.only_timestamp_tables", true)
	viper.SetDefault("sync.auto_start", false)
	viper.SetDefault("sync.checkpoint_from_row_time", false)

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", true)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "stdout")

	// Shutdown defaults
	viper.SetDefault("shutdown.timeout", "30s")
}

func validate(config *Config) error {
	v := validator.New()
	if err := v.Struct(config); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) && len(errs) > 0 {
			fe := errs[0]
			return fmt.Errorf("%s is invalid (%s)", strings.ToLower(fe.Namespace()), fe.Tag())
		}
		return err
	}
	if config.Source.MinPoolSize > config.Source.MaxPoolSize {
		return fmt.Errorf("source.min_pool_size must not exceed source.max_pool_size")
	}
	return nil
}

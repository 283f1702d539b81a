// Package config loads the migrate CLI configuration from flags, MIGRATE_*
// environment variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"

	"github.com/aatuh/sqlmigrate"
)

// Config is the migrate CLI configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Migrations MigrationsConfig `mapstructure:"migrations"`
	Run        RunConfig        `mapstructure:"run"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// DatabaseConfig selects the target database.
type DatabaseConfig struct {
	// Driver is a dialect name: postgres, mysql or sqlite.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// MigrationsConfig locates the scripts and the history table.
type MigrationsConfig struct {
	Dir   string `mapstructure:"dir"`
	Table string `mapstructure:"table"`
	// Embedded uses the migration set compiled into the binary instead of Dir.
	Embedded bool `mapstructure:"embedded"`
}

// RunConfig bounds a run.
type RunConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig configures the Prometheus pushgateway.
type MetricsConfig struct {
	PushURL string `mapstructure:"push_url"`
}

// SetDefaults registers the default of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("migrations.dir", "./migrations")
	v.SetDefault("migrations.table", sqlmigrate.DefaultHistoryTable)
	v.SetDefault("migrations.embedded", false)
	v.SetDefault("run.timeout", 5*time.Minute)
	v.SetDefault("run.lock_timeout", time.Duration(0))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.push_url", "")
}

// Load reads the configuration into a Config. Flags must already be bound to
// v. Without configPath, migrate.yaml is looked up in the working directory
// and a missing file is not an error.
//
// Parameters:
//   - v: The viper instance holding the bound flags.
//   - configPath: An explicit config file, or "".
//
// Returns:
//   - *Config: The validated configuration.
//   - error: An error if the file cannot be read or a value is invalid.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("migrate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MIGRATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// DATABASE_URL is what the application itself reads.
	if err := v.BindEnv("database.dsn", "MIGRATE_DATABASE_DSN", "DATABASE_URL"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Dialect returns the configured dialect.
func (c *Config) Dialect() (sqlmigrate.Dialect, error) {
	return sqlmigrate.DialectByName(c.Database.Driver)
}

func (c *Config) normalize() error {
	dialect, err := c.Dialect()
	if err != nil {
		return fmt.Errorf("database.driver: %w", err)
	}
	c.Database.Driver = dialect.Name()

	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if dialect.Name() == "mysql" {
		dsn, err := mysqlDSN(c.Database.DSN)
		if err != nil {
			return err
		}
		c.Database.DSN = dsn
	}

	if err := sqlmigrate.ValidateTableName(c.Migrations.Table); err != nil {
		return fmt.Errorf("migrations.table: %w", err)
	}
	if !c.Migrations.Embedded && c.Migrations.Dir == "" {
		return errors.New("migrations.dir is required unless migrations.embedded is set")
	}
	if c.Run.Timeout < 0 || c.Run.LockTimeout < 0 {
		return errors.New("run timeouts must not be negative")
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// mysqlDSN turns on parseTime so that applied_at scans into time.Time.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("database.dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// SetupLogger builds the process logger and makes it the slog default.
//
// Parameters:
//   - cfg: The log configuration.
//   - w: Where log lines are written.
//
// Returns:
//   - *slog.Logger: The configured logger.
func SetupLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

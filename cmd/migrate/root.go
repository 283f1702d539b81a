package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aatuh/sqlmigrate"
	"github.com/aatuh/sqlmigrate/internal/config"
	"github.com/aatuh/sqlmigrate/migrations"
)

// app carries what every subcommand needs once the configuration is loaded.
type app struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	stdout     io.Writer
	stderr     io.Writer

	registry *prometheus.Registry
	metrics  *sqlmigrate.Metrics
}

func createRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}

	rootCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply ordered, tracked SQL migrations",
		Long: `
Apply ordered, tracked SQL migrations

Scripts named NNN_description.sql are applied in ascending NNN order and
recorded in a history table, so running migrate again is a no-op.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = config.SetupLogger(cfg.Log, a.stderr)
			return nil
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ./migrate.yaml)")
	flags.String("driver", "", "database dialect: postgres, mysql or sqlite")
	flags.String("dsn", "", "database connection string")
	flags.String("dir", "", "directory holding the migration scripts")
	flags.Bool("embedded", false, "use the migrations bundled with the binary")
	flags.String("table", "", "history table name")
	flags.Duration("timeout", 0, "abort the run after this long")
	flags.Duration("lock-timeout", 0, "wait this long for a concurrent run to finish")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text or json")
	flags.String("metrics-push-url", "", "Prometheus pushgateway to push run metrics to")

	for key, flag := range map[string]string{
		"database.driver":     "driver",
		"database.dsn":        "dsn",
		"migrations.dir":      "dir",
		"migrations.embedded": "embedded",
		"migrations.table":    "table",
		"run.timeout":         "timeout",
		"run.lock_timeout":    "lock-timeout",
		"log.level":           "log-level",
		"log.format":          "log-format",
		"metrics.push_url":    "metrics-push-url",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(
		createUpCmd(a),
		createPlanCmd(a),
		createStatusCmd(a),
		createUnlockCmd(a),
	)
	return rootCmd
}

// runContext bounds a command by run.timeout.
func (a *app) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.Run.Timeout > 0 {
		return context.WithTimeout(parent, a.cfg.Run.Timeout)
	}
	return context.WithCancel(parent)
}

// openDB opens and pings the configured database.
func (a *app) openDB(ctx context.Context) (*sql.DB, sqlmigrate.Dialect, error) {
	dialect, err := a.cfg.Dialect()
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open(dialect.DriverName(), a.cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s database: %w", dialect.Name(), err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("connect to %s database: %w", dialect.Name(), err)
	}
	return db, dialect, nil
}

// source returns the configured migration source.
func (a *app) source() sqlmigrate.Source {
	if a.cfg.Migrations.Embedded {
		return migrations.Source().WithLogger(a.logger)
	}
	return sqlmigrate.NewDirSource(a.cfg.Migrations.Dir).WithLogger(a.logger)
}

// newMigrator wires the configured source, table, lock wait and metrics.
func (a *app) newMigrator(db *sql.DB, dialect sqlmigrate.Dialect) *sqlmigrate.Migrator {
	m := sqlmigrate.NewMigrator(db, dialect).
		WithSources(a.source()).
		WithHistoryTable(a.cfg.Migrations.Table).
		WithLockTimeout(a.cfg.Run.LockTimeout).
		WithLogger(a.logger)
	if a.cfg.Metrics.PushURL != "" {
		a.registry = prometheus.NewRegistry()
		a.metrics = sqlmigrate.NewMetrics(a.registry)
		m = m.WithMetrics(a.metrics)
	}
	return m
}

// pushMetrics sends the run metrics to the pushgateway. A failed push is
// logged and does not fail the run.
func (a *app) pushMetrics() {
	if a.registry == nil {
		return
	}
	err := push.New(a.cfg.Metrics.PushURL, "sqlmigrate").
		Gatherer(a.registry).
		Grouping("table", a.cfg.Migrations.Table).
		Push()
	if err != nil {
		a.logger.Warn("push metrics", "url", a.cfg.Metrics.PushURL, "error", err)
	}
}

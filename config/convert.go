package config

import (
	"io"
	"strings"

	"github.com/davidroman0O/orca/archive"
	"github.com/davidroman0O/orca/logging"
	"github.com/davidroman0O/orca/persistence/postgres"
	"github.com/davidroman0O/orca/retry"
	"github.com/davidroman0O/orca/saga"
	"github.com/davidroman0O/orca/scheduler"
)

// SchedulerOptions maps the scheduler section onto runner options. Registries,
// the repository and the archiver are left for the caller.
func (c *Config) SchedulerOptions() (scheduler.Options, error) {
	passThrough, err := c.Scheduler.PassThrough()
	if err != nil {
		return scheduler.Options{}, err
	}

	opts := scheduler.DefaultOptions()
	opts.Workers = c.Scheduler.Workers
	opts.MaxSystemRetries = c.Scheduler.MaxSystemRetries
	opts.SystemRetry.MaxAttempts = c.Scheduler.MaxSystemRetries
	opts.SystemRetry.InitialDelay = c.Scheduler.SystemRetryInitial.Std()
	opts.SystemRetry.MaxDelay = c.Scheduler.SystemRetryMax.Std()
	opts.SystemRetry.Multiplier = c.Scheduler.SystemRetryMultiplier
	opts.StoreRetry = retry.DefaultConfig()
	opts.StoreRetry.MaxAttempts = c.Scheduler.StoreRetryAttempts
	opts.DefaultBackoff = c.Scheduler.DefaultBackoff.Std()
	opts.PassThrough = passThrough
	return opts, nil
}

// PostgresConfig returns the connection settings of the postgres driver
func (c *Config) PostgresConfig() postgres.Config {
	p := c.Persistence.Postgres
	return postgres.Config{
		URL:             p.URL,
		PingTimeout:     p.PingTimeout.Std(),
		MaxOpenConns:    p.MaxOpenConns,
		MaxIdleConns:    p.MaxIdleConns,
		ConnMaxLifetime: p.ConnMaxLifetime.Std(),
		ConnMaxIdleTime: p.ConnMaxIdleTime.Std(),
	}
}

// ArchiveConfig returns the object store settings
func (c *Config) ArchiveConfig() archive.Config {
	return c.Archive.Config
}

// Logger builds the logger selected by the logging section. The console
// format keeps the indented human output, the others go through slog.
func (c *Config) Logger(w io.Writer) logging.Logger {
	switch strings.ToLower(c.Logging.Format) {
	case "console":
		return logging.NewConsoleLogger(logging.ParseLevel(c.Logging.Level), w)
	case "json":
		return logging.NewSlogLogger(c.Logging.Level, "json", w)
	default:
		return logging.NewSlogLogger(c.Logging.Level, "text", w)
	}
}

// ApplicationRegistry serves the configured applications
func (c *Config) ApplicationRegistry() *saga.StaticApplicationRegistry {
	return saga.NewStaticApplicationRegistry(c.Applications...)
}

package main

import (
	"context"
	"database/sql"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/davidroman0O/orca/archive"
	"github.com/davidroman0O/orca/config"
	"github.com/davidroman0O/orca/logging"
	"github.com/davidroman0O/orca/persistence/memory"
	"github.com/davidroman0O/orca/persistence/postgres"
	"github.com/davidroman0O/orca/saga"
	"github.com/davidroman0O/orca/scheduler"
	"github.com/davidroman0O/orca/stages"
	"github.com/davidroman0O/orca/store"
	"github.com/davidroman0O/orca/tasks"
)

// app is the wired engine behind every command
type app struct {
	cfg         *config.Config
	logger      logging.Logger
	runner      *scheduler.Runner
	definitions *scheduler.DefinitionRegistry
	metrics     *prometheus.Registry
	cloud       *tasks.MemoryCloud
	db          *sql.DB
}

// loadConfig reads the config file and applies the command line overrides
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}
	return cfg, cfg.Validate()
}

// newApp connects the configured backends and builds the runner
func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	a := &app{
		cfg:         cfg,
		logger:      cfg.Logger(logOut),
		definitions: stages.Register(scheduler.NewDefinitionRegistry()),
		metrics:     prometheus.NewRegistry(),
		cloud:       tasks.NewMemoryCloud(),
	}

	var (
		executions scheduler.ExecutionRepository
		sagaLog    saga.Repository
	)
	switch cfg.Persistence.Driver {
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg.PostgresConfig())
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
		executions = postgres.NewExecutionRepository(db)
		sagaLog = postgres.NewSagaRepository(db)
		a.logger.Info("Using postgres persistence")
	default:
		kv := store.NewKVStore()
		executions = memory.NewExecutionRepository(kv)
		sagaLog = memory.NewSagaRepository(kv)
		a.logger.Debug("Using in-memory persistence")
	}

	opts, err := cfg.SchedulerOptions()
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Archive.Enabled {
		client, err := archive.NewClient(cfg.ArchiveConfig())
		if err != nil {
			a.Close()
			return nil, err
		}
		archiver := archive.NewMinioArchiver(client, cfg.ArchiveConfig(), a.logger)
		if err := archiver.EnsureBucket(ctx); err != nil {
			a.Close()
			return nil, err
		}
		opts.Archiver = archiver
	}

	sagas := saga.NewEngine(
		tasks.RegisterDeployActions(saga.NewRegistry(), cfg.ApplicationRegistry(), a.cloud, tasks.LogNotifier{Logger: a.logger}),
		sagaLog,
		saga.WithLogger(a.logger),
	)

	opts.Tasks = tasks.Register(scheduler.NewTaskRegistry(), tasks.Dependencies{
		Cloud: a.cloud,
		Sagas: sagas,
	})
	opts.Definitions = a.definitions
	opts.Repository = executions
	opts.Logger = a.logger
	opts.Metrics = scheduler.NewMetrics(a.metrics)

	runner, err := scheduler.NewRunner(opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.runner = runner
	return a, nil
}

// WriteMetrics prints every collected metric in the Prometheus text format
func (a *app) WriteMetrics(w io.Writer) error {
	families, err := a.metrics.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database connection, if any
func (a *app) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

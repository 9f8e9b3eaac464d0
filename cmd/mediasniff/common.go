package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/grokify/mediasniff/pkg/backend"
	"github.com/grokify/mediasniff/pkg/config"
	"github.com/grokify/mediasniff/pkg/detect"
	"github.com/grokify/mediasniff/pkg/observability"
	"github.com/grokify/mediasniff/pkg/rules"
)

// globalOptions are the persistent root flags.
type globalOptions struct {
	configPath string
	verbose    bool
}

// loadConfig reads the configuration file (if any) and MEDIASNIFF_* overrides.
func (g *globalOptions) loadConfig() (*config.Config, error) {
	path := g.configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.LoadWithEnv(path)
	if err != nil {
		return nil, err
	}
	if g.verbose {
		cfg.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// rulesSource applies --rules-file / --rules flags over the configured source.
// Setting both flags yields a conflicting source, reported by Configure.
func rulesSource(cfg *config.Config, file, inline string) rules.Source {
	if file == "" && inline == "" {
		return cfg.RulesSource()
	}
	return rules.Source{Path: file, Inline: inline}
}

// newEngine builds an engine for src. A configuration error is returned
// after logging it with the offending rule.
func newEngine(src rules.Source, logger *slog.Logger, obs *observability.Provider) (*detect.Engine, error) {
	opts := []detect.Option{detect.WithLogger(logger)}
	if obs != nil {
		opts = append(opts, detect.WithObserver(observability.NewDetectionObserver(obs.Metrics)))
	}
	eng, err := detect.New(src, opts...)
	if err != nil {
		return eng, fmt.Errorf("rule set %s: %w", src, err)
	}
	return eng, nil
}

// journalOverrides are command-line journal flags that replace the configured driver.
type journalOverrides struct {
	path string
	db   string
}

func (o journalOverrides) apply(jc config.JournalConfig) config.JournalConfig {
	switch {
	case o.db != "":
		jc.Driver, jc.DatabaseURL = config.JournalDatabase, o.db
	case o.path != "":
		jc.Driver, jc.Path = config.JournalFile, o.path
	}
	return jc
}

// journal bundles the store handed to detection surfaces with what the
// command needs for shutdown and health checks.
type journal struct {
	store backend.ResultStore
	async *backend.AsyncResultStoreWrapper
	db    *backend.DatabaseResultStore
}

// openJournal builds the configured journal: driver, then sampling, then async buffering.
func openJournal(ctx context.Context, jc config.JournalConfig, obs *observability.Provider, logger *slog.Logger) (*journal, error) {
	var metrics backend.Metrics = backend.NoopMetrics{}
	if obs != nil {
		metrics = observability.NewJournalMetrics(obs.Metrics)
	}

	j := &journal{}
	switch jc.Driver {
	case "", config.JournalNone:
		j.store = backend.DiscardResultStore{}
		return j, nil
	case config.JournalMemory:
		j.store = backend.NewMemoryResultStore(jc.Capacity, metrics)
	case config.JournalFile:
		fs, err := backend.NewFileResultStore(&backend.FileResultStoreConfig{
			Path:    jc.Path,
			Format:  backend.Format(jc.Format),
			Metrics: metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open journal file: %w", err)
		}
		j.store = fs
	case config.JournalDatabase:
		db, err := backend.NewDatabaseResultStore(ctx, &backend.DatabaseResultStoreConfig{
			DatabaseURL: jc.DatabaseURL,
			Metrics:     metrics,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to journal database: %w", err)
		}
		j.store, j.db = db, db
	default:
		return nil, fmt.Errorf("unknown journal driver %q", jc.Driver)
	}

	if jc.SampleRate < 1 || len(jc.Never) > 0 {
		sampled, err := backend.NewSamplingResultStore(j.store, &backend.SamplingConfig{
			SampleRate: jc.SampleRate,
			Always:     jc.Always,
			Never:      jc.Never,
		})
		if err != nil {
			j.store.Close()
			return nil, err
		}
		j.store = sampled
	}

	// The memory driver is queried directly by the HTTP service; buffering
	// it would hide the querier.
	if jc.Async && jc.Driver != config.JournalMemory {
		j.async = backend.NewAsyncResultStore(j.store, &backend.AsyncConfig{
			QueueSize:   jc.QueueSize,
			BatchSize:   jc.BatchSize,
			FlushPeriod: jc.FlushInterval,
			Metrics:     metrics,
		})
		j.store = j.async
		if obs != nil {
			if err := obs.Metrics.RegisterQueueDepthCallback(obs.MeterProvider, func() int64 {
				return int64(j.async.QueueDepth())
			}); err != nil {
				logger.Warn("failed to register queue depth callback", "error", err)
			}
		}
	}

	logger.Info("journal enabled", "driver", jc.Driver, "async", j.async != nil)
	return j, nil
}

// querier returns the store's query side, if it has one.
func (j *journal) querier() backend.ResultStore {
	if j.db != nil && j.async != nil {
		// Reads bypass the write buffer.
		return queryThrough{ResultStore: j.store, ResultQuerier: j.db}
	}
	return j.store
}

// queryThrough writes through one store and reads from another.
type queryThrough struct {
	backend.ResultStore
	backend.ResultQuerier
}

// Close flushes buffered records and closes the store.
func (j *journal) Close(ctx context.Context) error {
	if j.async != nil {
		if err := j.async.Flush(ctx); err != nil {
			return err
		}
	}
	return j.store.Close()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/grokify/mediasniff/pkg/detect"
	"github.com/grokify/mediasniff/pkg/observability"
	"github.com/grokify/mediasniff/pkg/server"
)

type serveOptions struct {
	port        int
	host        string
	rulesFile   string
	metricsPort int
	maxBodySize int64
	journal     journalOverrides
}

func newServeCmd(global *globalOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the detection service",
		Long: `Start the JSON detection service.

Deployment Modes:
  Laptop:     mediasniff serve --journal detections.ndjson
  Team:       mediasniff serve --db sqlite://journal.db --metrics-port 9090
  Production: mediasniff serve --db postgres://... --metrics-port 9090

Endpoints:
  POST /v1/detect          classify the request body (?filename=, ?hint=, ?explain=)
  GET  /v1/types           list declared media types
  GET  /v1/types/{type}    describe one media type or alias
  POST /v1/reload          rebuild the rule set from its source
  GET  /v1/journal         query recorded detections
  GET  /v1/journal/stats   aggregate recorded detections
  GET  /v1/status          service state

SIGHUP reloads the rule set. A rule set that fails to build is rejected and
the previous one stays in service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(global, opts, cmd.Flags().Changed)
		},
	}

	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Port to listen on (default from config: 8090)")
	cmd.Flags().StringVar(&opts.host, "host", "", "Host to bind to (default from config: 127.0.0.1)")
	cmd.Flags().StringVar(&opts.rulesFile, "rules-file", "", "Rule-set file (replaces the built-in rules)")
	cmd.Flags().IntVar(&opts.metricsPort, "metrics-port", 0, "Port for metrics/health endpoints (default from config: 9090, 0 disables)")
	cmd.Flags().Int64Var(&opts.maxBodySize, "max-body", 0, "Largest request body in bytes (default from config: 32MB)")
	cmd.Flags().StringVar(&opts.journal.path, "journal", "", "Append detections to an NDJSON journal file")
	cmd.Flags().StringVar(&opts.journal.db, "db", "", "Journal database URL (sqlite://path or postgres://...)")

	return cmd
}

func runServe(global *globalOptions, opts *serveOptions, changed func(string) bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := global.loadConfig()
	if err != nil {
		return err
	}
	if changed("port") {
		cfg.Server.Port = opts.port
	}
	if changed("host") {
		cfg.Server.Host = opts.host
	}
	if changed("metrics-port") {
		cfg.Server.MetricsPort = opts.metricsPort
	}
	if changed("max-body") {
		cfg.Server.MaxBodySize = opts.maxBodySize
	}
	logger := newLogger(cfg.Verbose)

	obs, health, err := setupObservability(ctx, cfg.Server.MetricsPort, logger)
	if err != nil {
		return err
	}

	eng, err := newEngine(rulesSource(cfg, opts.rulesFile, ""), logger, obs)
	if err != nil {
		return err
	}

	j, err := openJournal(ctx, opts.journal.apply(cfg.Journal), obs, logger)
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		Engine:          eng,
		UseFilenameHint: cfg.Detect.UseFilenameHint,
		MaxBodySize:     cfg.Server.MaxBodySize,
		Journal:         j.querier(),
		Logger:          logger,
	})

	var wrap func(http.Handler) http.Handler
	if obs != nil {
		wrap = obs.Metrics.MetricsMiddleware
		registerHealth(health, eng, j)
		startHealthServer(cfg.Server.MetricsPort, health, obs, logger)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("Mediasniff detection service starting on %s\n", addr)
	fmt.Printf("Rule set: %s\n", eng.Source())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(addr, wrap)
	}()

	return waitForShutdown(ctx, eng, j, logger, errCh)
}

// setupObservability creates the metrics provider and health checker when a
// metrics port is configured.
func setupObservability(ctx context.Context, metricsPort int, logger *slog.Logger) (*observability.Provider, *observability.HealthChecker, error) {
	if metricsPort <= 0 {
		return nil, nil, nil
	}
	obs, err := observability.NewProvider(&observability.Config{
		ServiceName:      "mediasniff",
		ServiceVersion:   version,
		EnablePrometheus: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup observability: %w", err)
	}
	go func() {
		<-ctx.Done()
		if err := obs.Shutdown(context.Background()); err != nil {
			logger.Warn("observability shutdown error", "error", err)
		}
	}()
	return obs, observability.NewHealthChecker(), nil
}

func registerHealth(health *observability.HealthChecker, eng *detect.Engine, j *journal) {
	checks := observability.CommonChecks{}
	health.RegisterCheck("rules", checks.RulesCheck(eng.Err))
	if j.db != nil {
		db := j.db
		health.RegisterCheck("journal", checks.DatabaseCheck(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return db.Ping(ctx)
		}))
	}
	health.SetInfo(func() map[string]string {
		info := map[string]string{"source": eng.Source().String()}
		if d, err := eng.Detector(); err == nil {
			info["fingerprint"] = d.Repository().Fingerprint()
		}
		return info
	})
	health.SetReady(true)
}

func startHealthServer(port int, health *observability.HealthChecker, obs *observability.Provider, logger *slog.Logger) {
	addr := fmt.Sprintf(":%d", port)
	go func() {
		if err := observability.ListenAndServe(addr, observability.NewHealthMux(health, obs)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	fmt.Printf("Metrics and health endpoints on %s (/metrics, /healthz, /readyz)\n", addr)
}

// waitForShutdown serves until a termination signal or a listener error. SIGHUP
// reloads the rule set.
func waitForShutdown(ctx context.Context, eng *detect.Engine, j *journal, logger *slog.Logger, errCh <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var serveErr error
loop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := eng.Reload(ctx); err != nil {
					logger.Error("rule set reload rejected, keeping previous rules", "error", err)
				} else {
					logger.Info("rule set reloaded", "source", eng.Source().String())
				}
				continue
			}
			fmt.Println("\nShutting down...")
			break loop
		case serveErr = <-errCh:
			break loop
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := j.Close(flushCtx); err != nil {
		logger.Warn("journal close failed", "error", err)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

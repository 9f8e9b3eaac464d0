package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grokify/mediasniff/pkg/proxy"
)

type proxyOptions struct {
	port        int
	host        string
	rulesFile   string
	noHint      bool
	noRewrite   bool
	skipHosts   []string
	upstream    string
	metricsPort int
	journal     journalOverrides

	// Filtering options
	includeHosts   []string
	includePaths   []string
	excludePaths   []string
	includeMethods []string
	excludeMethods []string
}

func newProxyCmd(global *globalOptions) *cobra.Command {
	opts := &proxyOptions{}

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Start the sniffing HTTP proxy",
		Long: `Start an HTTP forward proxy that classifies response bodies.

Each response gains X-Detected-Content-Type and X-Detected-Extension headers.
A missing or application/octet-stream Content-Type is replaced with the
detected type unless --no-rewrite is given. HTTPS is tunneled untouched.

Examples:
  # Start proxy on default port (8080)
  mediasniff proxy

  # Leave these hosts alone
  mediasniff proxy --skip-host "*.internal.example.com"

  # Only classify downloads
  mediasniff proxy --include-path "/downloads/*" --include-method GET

  # Chain through upstream proxy and journal to SQLite
  mediasniff proxy --upstream http://corporate-proxy:8080 --db sqlite://journal.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(global, opts, cmd.Flags().Changed)
		},
	}

	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Port to listen on (default from config: 8080)")
	cmd.Flags().StringVar(&opts.host, "host", "", "Host to bind to (default from config: 127.0.0.1)")
	cmd.Flags().StringVar(&opts.rulesFile, "rules-file", "", "Rule-set file (replaces the built-in rules)")
	cmd.Flags().BoolVar(&opts.noHint, "no-hint", false, "Ignore request path file names")
	cmd.Flags().BoolVar(&opts.noRewrite, "no-rewrite", false, "Never change Content-Type")
	cmd.Flags().StringSliceVar(&opts.skipHosts, "skip-host", nil, "Hosts whose responses pass through (supports wildcards)")
	cmd.Flags().StringVar(&opts.upstream, "upstream", "", "Upstream proxy URL (e.g., http://proxy:8080)")
	cmd.Flags().IntVar(&opts.metricsPort, "metrics-port", 0, "Port for metrics/health endpoints (default from config: 9090, 0 disables)")
	cmd.Flags().StringVar(&opts.journal.path, "journal", "", "Append detections to an NDJSON journal file")
	cmd.Flags().StringVar(&opts.journal.db, "db", "", "Journal database URL (sqlite://path or postgres://...)")

	// Filtering options
	cmd.Flags().StringSliceVar(&opts.includeHosts, "include-host", nil, "Only classify responses from these hosts (supports wildcards)")
	cmd.Flags().StringSliceVar(&opts.includePaths, "include-path", nil, "Only classify requests matching these paths (supports wildcards)")
	cmd.Flags().StringSliceVar(&opts.excludePaths, "exclude-path", nil, "Skip requests matching these paths (supports wildcards)")
	cmd.Flags().StringSliceVar(&opts.includeMethods, "include-method", nil, "Only classify these HTTP methods")
	cmd.Flags().StringSliceVar(&opts.excludeMethods, "exclude-method", nil, "Skip these HTTP methods")

	return cmd
}

func runProxy(global *globalOptions, opts *proxyOptions, changed func(string) bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := global.loadConfig()
	if err != nil {
		return err
	}
	if changed("port") {
		cfg.Proxy.Port = opts.port
	}
	if changed("host") {
		cfg.Proxy.Host = opts.host
	}
	if changed("metrics-port") {
		cfg.Server.MetricsPort = opts.metricsPort
	}
	if changed("upstream") {
		cfg.Proxy.Upstream = opts.upstream
	}
	if opts.noRewrite {
		cfg.Proxy.SetContentType = false
	}
	if opts.noHint {
		cfg.Detect.UseFilenameHint = false
	}
	cfg.Proxy.SkipHosts = append(cfg.Proxy.SkipHosts, opts.skipHosts...)
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

	p, err := proxy.New(&proxy.Config{
		Engine:          eng,
		UseFilenameHint: cfg.Detect.UseFilenameHint,
		SetContentType:  cfg.Proxy.SetContentType,
		SkipHosts:       cfg.Proxy.SkipHosts,
		Filter: &proxy.Filter{
			IncludeHosts:   opts.includeHosts,
			IncludePaths:   opts.includePaths,
			ExcludePaths:   opts.excludePaths,
			IncludeMethods: opts.includeMethods,
			ExcludeMethods: opts.excludeMethods,
		},
		Upstream: cfg.Proxy.Upstream,
		Journal:  j.store,
		Logger:   logger,
		Verbose:  cfg.Verbose,
	})
	if err != nil {
		_ = j.Close(ctx)
		return fmt.Errorf("failed to create proxy: %w", err)
	}

	if obs != nil {
		registerHealth(health, eng, j)
		startHealthServer(cfg.Server.MetricsPort, health, obs, logger)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Proxy.Host, cfg.Proxy.Port)
	fmt.Printf("Mediasniff proxy starting on %s\n", addr)
	fmt.Printf("Configure your system/browser to use HTTP proxy: %s\n", addr)
	if len(cfg.Proxy.SkipHosts) > 0 {
		fmt.Printf("Passing through: %v\n", cfg.Proxy.SkipHosts)
	}
	if cfg.Proxy.Upstream != "" {
		fmt.Printf("Upstream proxy: %s\n", cfg.Proxy.Upstream)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.ListenAndServe(addr)
	}()

	return waitForShutdown(ctx, eng, j, logger, errCh)
}

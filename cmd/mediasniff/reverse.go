package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grokify/mediasniff/pkg/observability"
	"github.com/grokify/mediasniff/pkg/reverseproxy"
)

type reverseOptions struct {
	httpPort     int
	httpsPort    int
	backends     []string
	tls          bool
	acmeEmail    string
	acmeCacheDir string
	acmeStaging  bool
	redirectHTTP bool
	stripPrefix  string
	rulesFile    string
	noRewrite    bool
	metricsPort  int
	journal      journalOverrides
}

func newReverseCmd(global *globalOptions) *cobra.Command {
	opts := &reverseOptions{}

	cmd := &cobra.Command{
		Use:   "reverse",
		Short: "Start the sniffing reverse proxy",
		Long: `Start a reverse proxy that classifies backend responses.

Responses gain X-Detected-Content-Type and X-Detected-Extension headers, and a
missing or application/octet-stream Content-Type is replaced with the detected
type. With --tls, certificates are obtained from Let's Encrypt via ACME.

Examples:
  # Plain HTTP gateway in front of one backend
  mediasniff reverse --http-port 8081 --backend "files.local=http://localhost:3000"

  # TLS with automatic certificates (requires ports 80 and 443)
  sudo mediasniff reverse --tls --acme-email admin@example.com \
    --backend "cdn.example.com=http://localhost:3000"

  # Use Let's Encrypt staging (for testing)
  sudo mediasniff reverse --tls --acme-staging --backend "cdn.example.com=http://localhost:3000"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReverse(global, opts, cmd.Flags().Changed)
		},
	}

	cmd.Flags().IntVar(&opts.httpPort, "http-port", 80, "HTTP port (ACME challenges and redirect when --tls)")
	cmd.Flags().IntVar(&opts.httpsPort, "https-port", 443, "HTTPS port")
	cmd.Flags().StringSliceVarP(&opts.backends, "backend", "b", nil, "Backend mapping: host=target (e.g., cdn.example.com=http://localhost:3000)")
	cmd.Flags().BoolVar(&opts.tls, "tls", false, "Serve HTTPS with ACME certificates")
	cmd.Flags().StringVar(&opts.acmeEmail, "acme-email", "", "Email for Let's Encrypt registration")
	cmd.Flags().StringVar(&opts.acmeCacheDir, "acme-cache", "~/.mediasniff/acme", "Directory to cache ACME certificates")
	cmd.Flags().BoolVar(&opts.acmeStaging, "acme-staging", false, "Use Let's Encrypt staging environment (for testing)")
	cmd.Flags().BoolVar(&opts.redirectHTTP, "redirect-http", true, "Redirect HTTP to HTTPS when --tls")
	cmd.Flags().StringVar(&opts.stripPrefix, "strip-prefix", "", "Strip path prefix before forwarding")
	cmd.Flags().StringVar(&opts.rulesFile, "rules-file", "", "Rule-set file (replaces the built-in rules)")
	cmd.Flags().BoolVar(&opts.noRewrite, "no-rewrite", false, "Never change Content-Type")
	cmd.Flags().IntVar(&opts.metricsPort, "metrics-port", 0, "Port for metrics/health endpoints (default from config: 9090, 0 disables)")
	cmd.Flags().StringVar(&opts.journal.path, "journal", "", "Append detections to an NDJSON journal file")
	cmd.Flags().StringVar(&opts.journal.db, "db", "", "Journal database URL (sqlite://path or postgres://...)")

	return cmd
}

func runReverse(global *globalOptions, opts *reverseOptions, changed func(string) bool) error {
	if len(opts.backends) == 0 {
		return fmt.Errorf("at least one backend is required (--backend host=target)")
	}
	backends := make([]reverseproxy.Backend, 0, len(opts.backends))
	for _, s := range opts.backends {
		b, err := reverseproxy.ParseBackend(s)
		if err != nil {
			return fmt.Errorf("invalid backend %q: %w", s, err)
		}
		b.StripPrefix = opts.stripPrefix
		backends = append(backends, b)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := global.loadConfig()
	if err != nil {
		return err
	}
	if changed("metrics-port") {
		cfg.Server.MetricsPort = opts.metricsPort
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

	rp, err := reverseproxy.New(&reverseproxy.Config{
		HTTPPort:        opts.httpPort,
		HTTPSPort:       opts.httpsPort,
		Backends:        backends,
		TLS:             opts.tls,
		ACMEEmail:       opts.acmeEmail,
		ACMECacheDir:    opts.acmeCacheDir,
		ACMEStaging:     opts.acmeStaging,
		RedirectHTTP:    opts.redirectHTTP,
		Engine:          eng,
		UseFilenameHint: cfg.Detect.UseFilenameHint,
		SetContentType:  !opts.noRewrite,
		Journal:         j.store,
		Logger:          logger,
	})
	if err != nil {
		_ = j.Close(ctx)
		return fmt.Errorf("failed to create reverse proxy: %w", err)
	}

	if obs != nil {
		registerHealth(health, eng, j)
		health.RegisterCheck("backends", observability.HealthCheck(func() error {
			return rp.Check(ctx)
		}))
		startHealthServer(cfg.Server.MetricsPort, health, obs, logger)
	}

	fmt.Printf("Mediasniff reverse proxy starting (http :%d", opts.httpPort)
	if opts.tls {
		fmt.Printf(", https :%d", opts.httpsPort)
	}
	fmt.Println(")")
	for _, b := range backends {
		fmt.Printf("  %s -> %s\n", b.Host, b.Target)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- rp.ListenAndServe()
	}()

	return waitForShutdown(ctx, eng, j, logger, errCh)
}

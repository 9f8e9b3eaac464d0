// Package reverseproxy provides a sniffing reverse proxy with optional
// automatic TLS via ACME.
//
// Requests are routed to backends by Host. Each backend response body is
// classified the same way the forward proxy does it, so clients see
// X-Detected-Content-Type and a repaired Content-Type for content the backend
// labeled generically.
package reverseproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/grokify/mogo/log/slogutil"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/grokify/mediasniff/pkg/backend"
	"github.com/grokify/mediasniff/pkg/detect"
	"github.com/grokify/mediasniff/pkg/proxy"
)

// JournalSource identifies reverse proxy records in the detection journal.
const JournalSource = "gateway"

const letsEncryptStaging = "https://acme-staging-v02.api.letsencrypt.org/directory"

// Backend represents a backend server configuration.
type Backend struct {
	// Host is the hostname/pattern to match (e.g., "api.example.com" or "*.example.com")
	Host string `yaml:"host"`
	// Target is the backend URL (e.g., "http://localhost:3000")
	Target string `yaml:"target"`
	// StripPrefix removes a path prefix before forwarding
	StripPrefix string `yaml:"stripPrefix,omitempty"`
	// AddHeaders are headers to add to proxied requests
	AddHeaders map[string]string `yaml:"addHeaders,omitempty"`
	// HealthCheck is the health check path
	HealthCheck string `yaml:"healthCheck,omitempty"`
}

// ParseBackend parses a "host=target" command-line mapping.
func ParseBackend(s string) (Backend, error) {
	host, target, ok := strings.Cut(s, "=")
	if !ok {
		return Backend{}, fmt.Errorf("missing '=' separator")
	}
	if host == "" || target == "" {
		return Backend{}, fmt.Errorf("empty host or target")
	}
	return Backend{Host: host, Target: target}, nil
}

// Config holds reverse proxy configuration.
type Config struct {
	// HTTPPort is the port for HTTP traffic (default: 80)
	HTTPPort int
	// HTTPSPort is the port for HTTPS traffic (default: 443)
	HTTPSPort int
	// Backends is the list of backend configurations
	Backends []Backend
	// TLS enables the HTTPS listener with ACME certificates
	TLS bool
	// ACMEEmail is the email for Let's Encrypt registration
	ACMEEmail string
	// ACMECacheDir is the directory to cache certificates
	ACMECacheDir string
	// ACMEStaging uses Let's Encrypt staging environment (for testing)
	ACMEStaging bool
	// RedirectHTTP redirects HTTP to HTTPS when TLS is enabled
	RedirectHTTP bool

	// Engine classifies backend responses (default: detect.Default()).
	Engine *detect.Engine
	// UseFilenameHint uses the request path's base name as a hint
	UseFilenameHint bool
	// SetContentType replaces a missing or application/octet-stream Content-Type
	SetContentType bool
	// Journal records each classification (optional)
	Journal backend.ResultStore
	// Logger defaults to a null logger
	Logger *slog.Logger
}

// DefaultConfig returns default reverse proxy configuration.
func DefaultConfig() *Config {
	return &Config{
		HTTPPort:        80,
		HTTPSPort:       443,
		ACMECacheDir:    "~/.mediasniff/acme",
		RedirectHTTP:    true,
		UseFilenameHint: true,
		SetContentType:  true,
	}
}

type route struct {
	backend Backend
	match   glob.Glob
	proxy   *httputil.ReverseProxy
}

// ReverseProxy routes requests to backends and classifies their responses.
type ReverseProxy struct {
	config      *Config
	routes      []*route
	engine      *detect.Engine
	journal     backend.ResultStore
	logger      *slog.Logger
	certManager *autocert.Manager
}

// New creates a new reverse proxy with the given configuration.
func New(cfg *Config) (*ReverseProxy, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("at least one backend is required")
	}

	rp := &ReverseProxy{
		config:  cfg,
		engine:  cfg.Engine,
		journal: cfg.Journal,
		logger:  cfg.Logger,
	}
	if rp.engine == nil {
		rp.engine = detect.Default()
	}
	if rp.journal == nil {
		rp.journal = backend.DiscardResultStore{}
	}
	if rp.logger == nil {
		rp.logger = slogutil.Null()
	}

	for _, b := range cfg.Backends {
		r, err := rp.newRoute(b)
		if err != nil {
			return nil, err
		}
		rp.routes = append(rp.routes, r)
	}

	// Only literal hosts can be whitelisted for certificates.
	hosts := make([]string, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		if !strings.ContainsAny(b.Host, "*?[{") {
			hosts = append(hosts, b.Host)
		}
	}
	rp.certManager = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(hosts...),
		Cache:      autocert.DirCache(expandPath(cfg.ACMECacheDir)),
		Email:      cfg.ACMEEmail,
	}
	if cfg.ACMEStaging {
		rp.certManager.Client = &acme.Client{DirectoryURL: letsEncryptStaging}
	}

	return rp, nil
}

func (rp *ReverseProxy) newRoute(b Backend) (*route, error) {
	targetURL, err := url.Parse(b.Target)
	if err != nil || targetURL.Scheme == "" || targetURL.Host == "" {
		return nil, fmt.Errorf("invalid backend target %q", b.Target)
	}
	g, err := glob.Compile(strings.ToLower(b.Host), '.')
	if err != nil {
		return nil, fmt.Errorf("invalid backend host %q: %w", b.Host, err)
	}

	p := httputil.NewSingleHostReverseProxy(targetURL)
	p.ErrorHandler = rp.errorHandler
	p.ModifyResponse = rp.modifyResponse

	director := p.Director
	p.Director = func(req *http.Request) {
		director(req)

		if b.StripPrefix != "" {
			req.URL.Path = strings.TrimPrefix(req.URL.Path, b.StripPrefix)
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
		}
		for k, v := range b.AddHeaders {
			req.Header.Set(k, v)
		}

		req.Header.Set("X-Forwarded-Host", req.Host)
		req.Header.Set("X-Forwarded-Proto", "https")
		if req.TLS == nil {
			req.Header.Set("X-Forwarded-Proto", "http")
		}
	}

	return &route{backend: b, match: g, proxy: p}, nil
}

// ServeHTTP implements the http.Handler interface.
func (rp *ReverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := rp.findProxy(r.Host)
	if p == nil {
		http.Error(w, "Backend not found", http.StatusBadGateway)
		return
	}
	p.ServeHTTP(proxy.NoSniff(w), r)
}

// findProxy returns the first backend whose host pattern matches, preferring
// exact names over patterns.
func (rp *ReverseProxy) findProxy(host string) *httputil.ReverseProxy {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	for _, r := range rp.routes {
		if strings.EqualFold(r.backend.Host, host) {
			return r.proxy
		}
	}
	for _, r := range rp.routes {
		if r.match.Match(host) {
			return r.proxy
		}
	}
	return nil
}

// modifyResponse classifies the backend body. A body that cannot be read
// fails the request with 502 through the error handler.
func (rp *ReverseProxy) modifyResponse(resp *http.Response) error {
	req := resp.Request
	if req == nil || req.Method == http.MethodHead || resp.Body == nil || resp.Body == http.NoBody {
		return nil
	}

	d, err := rp.engine.Detector()
	if err != nil {
		rp.logger.Error("no usable rule set, passing response through", "error", err)
		return nil
	}

	start := time.Now()
	res, err := proxy.ClassifyResponse(req.Context(), d, resp, proxy.RequestFilename(req.URL), rp.config.UseFilenameHint, rp.config.SetContentType)
	if err != nil {
		return err
	}

	rec := backend.NewRecord(JournalSource, req.URL.Path, d.Repository().Fingerprint(), res, start, time.Since(start))
	if err := rp.journal.Store(context.WithoutCancel(req.Context()), rec); err != nil {
		rp.logger.Warn("journal store failed", "error", err)
	}
	return nil
}

func (rp *ReverseProxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	rp.logger.Warn("proxy error", "host", r.Host, "error", err)
	http.Error(w, "Bad Gateway", http.StatusBadGateway)
}

// ListenAndServe starts the reverse proxy. Without TLS only the HTTP port is
// served. With TLS the HTTP port answers ACME challenges and, if configured,
// redirects to HTTPS.
func (rp *ReverseProxy) ListenAndServe() error {
	httpAddr := fmt.Sprintf(":%d", rp.config.HTTPPort)
	if !rp.config.TLS {
		rp.logger.Info("reverse proxy listening", "addr", httpAddr)
		return newServer(httpAddr, rp, nil).ListenAndServe()
	}

	errChan := make(chan error, 2)

	go func() {
		var handler http.Handler = rp
		if rp.config.RedirectHTTP {
			handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				target := "https://" + r.Host + r.RequestURI
				http.Redirect(w, r, target, http.StatusMovedPermanently)
			})
		}
		rp.logger.Info("HTTP server listening", "addr", httpAddr)
		if err := newServer(httpAddr, rp.certManager.HTTPHandler(handler), nil).ListenAndServe(); err != nil {
			errChan <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	go func() {
		httpsAddr := fmt.Sprintf(":%d", rp.config.HTTPSPort)
		rp.logger.Info("HTTPS server listening", "addr", httpsAddr)
		if err := newServer(httpsAddr, rp, rp.TLSConfig()).ListenAndServeTLS("", ""); err != nil {
			errChan <- fmt.Errorf("HTTPS server: %w", err)
		}
	}()

	return <-errChan
}

func newServer(addr string, h http.Handler, tlsConfig *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// TLSConfig returns the TLS configuration with ACME support.
func (rp *ReverseProxy) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: rp.certManager.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1", acme.ALPNProto},
		MinVersion:     tls.VersionTLS12,
	}
}

// HealthCheck performs health checks on all backends.
func (rp *ReverseProxy) HealthCheck(ctx context.Context) map[string]bool {
	results := make(map[string]bool)
	client := &http.Client{Timeout: 5 * time.Second}

	for _, b := range rp.config.Backends {
		if b.HealthCheck == "" {
			results[b.Host] = true
			continue
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.Target+b.HealthCheck, nil)
		if err != nil {
			results[b.Host] = false
			continue
		}

		resp, err := client.Do(req)
		if err != nil {
			results[b.Host] = false
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		results[b.Host] = resp.StatusCode >= 200 && resp.StatusCode < 400
	}

	return results
}

// Check adapts HealthCheck to a single error naming the failing backends.
func (rp *ReverseProxy) Check(ctx context.Context) error {
	var failed []string
	for host, ok := range rp.HealthCheck(ctx) {
		if !ok {
			failed = append(failed, host)
		}
	}
	if len(failed) > 0 {
		return errors.New("unhealthy backends: " + strings.Join(failed, ", "))
	}
	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return strings.Replace(path, "~", home, 1)
		}
	}
	return path
}

// Package proxy provides a sniffing HTTP forward proxy using goproxy.
//
// Each proxied response body is peeked through a detect.Engine. The result is
// reported in X-Detected-Content-Type and X-Detected-Extension headers, and may
// replace a missing or generic Content-Type. HTTPS is tunneled without
// inspection.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"slices"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/mediasniff/pkg/backend"
	"github.com/grokify/mediasniff/pkg/detect"
	"github.com/grokify/mediasniff/pkg/mediatype"
)

// Response headers set by the proxy.
const (
	HeaderDetectedType      = "X-Detected-Content-Type"
	HeaderDetectedExtension = "X-Detected-Extension"
)

// JournalSource identifies proxy records in the detection journal.
const JournalSource = "proxy"

// Proxy is a sniffing forward proxy.
type Proxy struct {
	server  *goproxy.ProxyHttpServer
	engine  *detect.Engine
	filter  *Filter
	journal backend.ResultStore
	logger  *slog.Logger
	config  *Config
}

// Config holds proxy configuration options.
type Config struct {
	// Engine classifies response bodies (default: detect.Default()).
	Engine *detect.Engine
	// UseFilenameHint uses the request path's base name as a hint
	UseFilenameHint bool
	// SetContentType replaces a missing or application/octet-stream Content-Type
	SetContentType bool
	// SkipHosts are host globs whose responses pass through untouched (e.g. *.example.com)
	SkipHosts []string
	// Filter narrows which responses are classified (optional)
	Filter *Filter
	// Upstream is the upstream proxy URL (e.g., http://proxy:8080)
	Upstream string
	// Journal records each classification (optional)
	Journal backend.ResultStore
	// Logger defaults to a null logger
	Logger *slog.Logger
	// Verbose enables goproxy's request logging
	Verbose bool
}

// DefaultConfig returns default proxy configuration.
func DefaultConfig() *Config {
	return &Config{
		UseFilenameHint: true,
		SetContentType:  true,
		SkipHosts:       []string{},
	}
}

// New creates a new proxy with the given configuration.
func New(cfg *Config) (*Proxy, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Proxy{
		server:  goproxy.NewProxyHttpServer(),
		engine:  cfg.Engine,
		journal: cfg.Journal,
		logger:  cfg.Logger,
		config:  cfg,
	}
	if p.engine == nil {
		p.engine = detect.Default()
	}
	if p.journal == nil {
		p.journal = backend.DiscardResultStore{}
	}
	if p.logger == nil {
		p.logger = slogutil.Null()
	}
	p.server.Verbose = cfg.Verbose
	p.server.Logger = slog.NewLogLogger(p.logger.Handler(), slog.LevelDebug)

	p.filter = NewFilter()
	if cfg.Filter != nil {
		f := *cfg.Filter
		if f.MaxStatusCode == 0 {
			f.MaxStatusCode = 999
		}
		p.filter = &f
	}
	p.filter.ExcludeHosts = append(slices.Clone(p.filter.ExcludeHosts), cfg.SkipHosts...)
	if err := p.filter.Compile(); err != nil {
		return nil, err
	}

	if cfg.Upstream != "" {
		if err := p.setupUpstream(cfg.Upstream); err != nil {
			return nil, err
		}
	}

	p.server.OnResponse().DoFunc(p.onResponse)
	return p, nil
}

// setupUpstream configures upstream proxy chaining.
func (p *Proxy) setupUpstream(upstreamURL string) error {
	upstream, err := url.Parse(upstreamURL)
	if err != nil {
		return fmt.Errorf("invalid upstream URL: %w", err)
	}

	p.server.Tr = &http.Transport{
		Proxy:           http.ProxyURL(upstream),
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}
	p.server.ConnectDial = p.server.NewConnectDialToProxy(upstreamURL)
	return nil
}

func (p *Proxy) selected(resp *http.Response, req *http.Request) bool {
	return req.Method != http.MethodHead &&
		p.filter.MatchRequest(req.URL.Hostname(), req.URL.Path, req.Method) &&
		p.filter.MatchResponse(resp.StatusCode)
}

// readCloser replays a peeked body while closing the original.
type readCloser struct {
	io.Reader
	io.Closer
}

func (p *Proxy) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if resp == nil || resp.Body == nil || ctx.Req == nil {
		return resp
	}
	req := ctx.Req
	if !p.selected(resp, req) {
		return resp
	}

	d, err := p.engine.Detector()
	if err != nil {
		p.logger.Error("no usable rule set, passing response through", "error", err)
		return resp
	}

	start := time.Now()
	res, err := ClassifyResponse(req.Context(), d, resp, RequestFilename(req.URL), p.config.UseFilenameHint, p.config.SetContentType)
	if err != nil {
		p.logger.Warn("reading response body failed", "url", req.URL.String(), "error", err)
		if errors.Is(err, detect.ErrRead) {
			return goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusBadGateway, "mediasniff: upstream body unreadable\n")
		}
		return resp
	}

	rec := backend.NewRecord(JournalSource, req.URL.String(), d.Repository().Fingerprint(), res, start, time.Since(start))
	if err := p.journal.Store(context.WithoutCancel(req.Context()), rec); err != nil {
		p.logger.Warn("journal store failed", "error", err)
	}

	p.logger.Debug("response classified",
		"url", req.URL.String(),
		"media_type", res.MediaType.String(),
		"method", string(res.Method))
	return resp
}

// ClassifyResponse peeks resp.Body through d, replaces the body with one that
// replays the inspected bytes, and annotates the headers. On error the
// original body has been closed.
func ClassifyResponse(ctx context.Context, d *detect.Detector, resp *http.Response, filename string, useFilenameHint, setContentType bool) (detect.Result, error) {
	res, body, err := d.Peek(ctx, resp.Body, filename, useFilenameHint)
	if err != nil {
		resp.Body.Close()
		return res, err
	}
	resp.Body = readCloser{Reader: body, Closer: resp.Body}
	Annotate(resp.Header, res, setContentType)
	return res, nil
}

// Annotate writes detection headers and optionally repairs Content-Type.
// A declared type is only replaced when missing or application/octet-stream,
// and never by the fallback.
func Annotate(h http.Header, res detect.Result, setContentType bool) {
	h.Set(HeaderDetectedType, res.MediaType.String())
	if res.Extension != "" {
		h.Set(HeaderDetectedExtension, res.Extension)
	} else {
		h.Del(HeaderDetectedExtension)
	}

	if !setContentType || res.Method == detect.MethodDefault {
		return
	}
	declared := h.Get("Content-Type")
	if declared != "" {
		mt, err := mediatype.Parse(declared)
		if err == nil && !mt.Equal(mediatype.OctetStream) {
			return
		}
	}
	h.Set("Content-Type", res.MediaType.String())
}

// RequestFilename returns the last path segment, or "" for directory paths.
func RequestFilename(u *url.URL) string {
	if u == nil || u.Path == "" || u.Path[len(u.Path)-1] == '/' {
		return ""
	}
	return path.Base(u.Path)
}

// Handler returns the proxy as an http.Handler. Responses that arrive
// without a Content-Type leave without one.
func (p *Proxy) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodConnect {
			p.server.ServeHTTP(w, r)
			return
		}
		p.server.ServeHTTP(NoSniff(w), r)
	})
}

// noSniffWriter keeps net/http from filling in a sniffed Content-Type.
type noSniffWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

// NoSniff wraps w so that a response written without a Content-Type header
// is sent without one.
func NoSniff(w http.ResponseWriter) http.ResponseWriter {
	return &noSniffWriter{ResponseWriter: w}
}

func (w *noSniffWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		h := w.Header()
		if _, ok := h["Content-Type"]; !ok {
			h["Content-Type"] = nil
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *noSniffWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *noSniffWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *noSniffWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// ListenAndServe starts the proxy server.
func (p *Proxy) ListenAndServe(addr string) error {
	p.logger.Info("proxy listening", "addr", addr, "skip_hosts", p.config.SkipHosts)
	server := &http.Server{
		Addr:              addr,
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}

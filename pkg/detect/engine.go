package detect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/grokify/mediasniff/pkg/rules"
)

// maxCachedRepositories bounds the per-engine repository cache.
const maxCachedRepositories = 16

// ErrNotConfigured is returned by an Engine that has never been configured.
var ErrNotConfigured = errors.New("detect: engine not configured")

// state is what an Engine serves at one point in time: a detector, or the
// configuration error that prevented building one.
type state struct {
	source     rules.Source
	configured bool
	detector   *Detector
	err        error
}

// Engine owns the detector for the current rule-set configuration. Detect
// calls never block on Configure; a new repository is built fully before it
// is swapped in, and calls already running keep the detector they started with.
type Engine struct {
	current atomic.Pointer[state]

	mu    sync.Mutex // serializes Configure and guards cache
	cache map[string]*rules.Repository

	logger   *slog.Logger
	observer Observer
	opts     []Option
}

// NewEngine returns an unconfigured engine.
func NewEngine(opts ...Option) *Engine {
	o := newOptions(opts)
	e := &Engine{
		cache:    make(map[string]*rules.Repository),
		logger:   o.logger,
		observer: o.observer,
		opts:     opts,
	}
	e.current.Store(&state{err: ErrNotConfigured})
	return e
}

// New returns an engine configured with src. The engine is returned even when
// configuration fails; it then reports the same error from every Detect call.
func New(src rules.Source, opts ...Option) (*Engine, error) {
	e := NewEngine(opts...)
	return e, e.Configure(src)
}

// Configure builds the repository for src and swaps it in. On failure the
// engine stops serving the previous configuration and every Detect call
// returns the returned error until Configure succeeds.
func (e *Engine) Configure(src rules.Source) error {
	return e.ConfigureContext(context.Background(), src)
}

// ConfigureContext is Configure with a context for logging.
func (e *Engine) ConfigureContext(ctx context.Context, src rules.Source) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	repo, err := e.build(src)
	if err != nil {
		e.current.Store(&state{source: src, configured: true, err: err})
		e.observer.ObserveConfigure(ctx, src.String(), err)
		e.logger.Error("rule set configuration failed",
			"source", src.String(),
			"error", err)
		return err
	}
	e.swap(ctx, src, repo)
	return nil
}

// Reload rebuilds the current source, re-reading a rule-set file. Unlike
// Configure, a failed reload keeps the previous detector in service. An
// engine that was never configured returns ErrNotConfigured.
func (e *Engine) Reload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.current.Load()
	if !st.configured {
		return ErrNotConfigured
	}
	src := st.source
	repo, err := e.build(src)
	if err != nil {
		e.observer.ObserveConfigure(ctx, src.String(), err)
		e.logger.Warn("rule set reload failed, keeping previous configuration",
			"source", src.String(),
			"error", err)
		return err
	}
	e.swap(ctx, src, repo)
	return nil
}

func (e *Engine) swap(ctx context.Context, src rules.Source, repo *rules.Repository) {
	e.current.Store(&state{
		source:     src,
		configured: true,
		detector:   NewDetector(repo, e.opts...),
	})
	e.observer.ObserveConfigure(ctx, src.String(), nil)
	e.logger.Info("rule set configured",
		"source", src.String(),
		"types", repo.Len(),
		"signatures", repo.SignatureCount(),
		"globs", repo.GlobCount(),
		"fingerprint", repo.Fingerprint())
}

// build returns the repository for src, reusing one already compiled from
// identical rule-set bytes.
func (e *Engine) build(src rules.Source) (*rules.Repository, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if src.IsDefault() {
		return rules.Default()
	}

	data, err := src.Load()
	if err != nil {
		return nil, err
	}
	fp := rules.Fingerprint(data)
	if repo, ok := e.cache[fp]; ok {
		e.logger.Debug("rule set cache hit", "fingerprint", fp)
		return repo, nil
	}

	repo, err := rules.Compile(data)
	if err != nil {
		return nil, err
	}
	if len(e.cache) >= maxCachedRepositories {
		clear(e.cache)
	}
	e.cache[fp] = repo
	return repo, nil
}

// Detector returns the current detector, or the configuration error.
func (e *Engine) Detector() (*Detector, error) {
	st := e.current.Load()
	if st.err != nil {
		return nil, st.err
	}
	return st.detector, nil
}

// Current returns the detector together with the source it was configured
// from, read from one state so a concurrent swap cannot mix them.
func (e *Engine) Current() (*Detector, rules.Source, error) {
	st := e.current.Load()
	if st.err != nil {
		return nil, st.source, st.err
	}
	return st.detector, st.source, nil
}

// Source returns the most recently configured source.
func (e *Engine) Source() rules.Source {
	return e.current.Load().source
}

// Err returns the configuration error, if any.
func (e *Engine) Err() error {
	return e.current.Load().err
}

// Detect classifies r with the current detector.
func (e *Engine) Detect(r io.Reader, filename string, useFilenameHint bool) (Result, error) {
	return e.DetectContext(context.Background(), r, filename, useFilenameHint)
}

// DetectContext is Detect with a context for logging and observation.
func (e *Engine) DetectContext(ctx context.Context, r io.Reader, filename string, useFilenameHint bool) (Result, error) {
	d, err := e.Detector()
	if err != nil {
		return Result{}, err
	}
	return d.DetectContext(ctx, r, filename, useFilenameHint)
}

// DetectBytes classifies an in-memory buffer with the current detector.
func (e *Engine) DetectBytes(data []byte, filename string, useFilenameHint bool) (Result, error) {
	d, err := e.Detector()
	if err != nil {
		return Result{}, err
	}
	return d.DetectBytes(data, filename, useFilenameHint), nil
}

// Peek classifies r with the current detector and returns a replaying reader.
func (e *Engine) Peek(ctx context.Context, r io.Reader, filename string, useFilenameHint bool) (Result, io.Reader, error) {
	d, err := e.Detector()
	if err != nil {
		return Result{}, nil, err
	}
	return d.Peek(ctx, r, filename, useFilenameHint)
}

var (
	defaultOnce   sync.Once
	defaultEngine *Engine
)

// Default returns a process-wide engine using the built-in rule set. It is
// built on first use.
func Default() *Engine {
	defaultOnce.Do(func() {
		defaultEngine, _ = New(rules.Source{})
	})
	return defaultEngine
}

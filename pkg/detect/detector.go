// Package detect classifies content by media type using a rules.Repository.
//
// A Detector wraps one immutable repository. An Engine owns the current
// Detector for a configuration and swaps it atomically on reconfiguration.
//
// Example usage:
//
//	eng := detect.Default()
//	res, err := eng.Detect(file, "report.pdf", true)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.MediaType, res.Extension)
package detect

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/mediasniff/pkg/mediatype"
	"github.com/grokify/mediasniff/pkg/rules"
)

// ErrRead matches every *IOError via errors.Is.
var ErrRead = errors.New("detect: read error")

var errNilReader = errors.New("nil reader")

// IOError reports that the content could not be read. It does not affect the
// repository or other calls.
type IOError struct {
	Err error
}

func (e *IOError) Error() string {
	return "detect: reading content: " + e.Err.Error()
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrRead) true for any IOError.
func (e *IOError) Is(target error) bool {
	return target == ErrRead
}

// Result is a single classification.
type Result struct {
	// MediaType is the canonical type, application/octet-stream when undetermined.
	MediaType mediatype.MediaType `json:"mediaType"`
	// Extension is the preferred extension with a leading dot, or "".
	Extension string `json:"extension"`
	// Method is the evidence that decided.
	Method Method `json:"method"`
	// Rule identifies the deciding rule.
	Rule string `json:"rule,omitempty"`
	// Ancestors is the fallback chain of MediaType, nearest first.
	Ancestors []mediatype.MediaType `json:"ancestors,omitempty"`
	// Signatures and Hints are every candidate considered.
	Signatures []rules.Candidate `json:"signatures,omitempty"`
	Hints      []rules.Candidate `json:"hints,omitempty"`
	// Size is the number of bytes inspected.
	Size int `json:"size"`
}

// Observer receives detection events. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveDetection(ctx context.Context, res Result, elapsed time.Duration)
	ObserveReadError(ctx context.Context)
	ObserveConfigure(ctx context.Context, source string, err error)
}

// NoopObserver is an Observer that does nothing.
type NoopObserver struct{}

func (NoopObserver) ObserveDetection(context.Context, Result, time.Duration) {}
func (NoopObserver) ObserveReadError(context.Context)                        {}
func (NoopObserver) ObserveConfigure(context.Context, string, error)         {}

// Option configures a Detector or Engine.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	observer Observer
}

func newOptions(opts []Option) options {
	o := options{
		logger:   slogutil.Null(),
		observer: NoopObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger. Loggers carried in a call's context take precedence.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver sets the observer notified of detections.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// Detector classifies content against one repository. It holds no mutable
// state and is safe for concurrent use.
type Detector struct {
	repo     *rules.Repository
	logger   *slog.Logger
	observer Observer
}

// NewDetector returns a Detector for repo.
func NewDetector(repo *rules.Repository, opts ...Option) *Detector {
	o := newOptions(opts)
	return &Detector{
		repo:     repo,
		logger:   o.logger,
		observer: o.observer,
	}
}

// Repository returns the repository the detector uses.
func (d *Detector) Repository() *rules.Repository {
	return d.repo
}

// Detect classifies the content of r. Only the first Repository().Lookahead()
// bytes are read. When useFilenameHint is true, filename is consulted if no
// signature matches. Unrecognized content is not an error.
func (d *Detector) Detect(r io.Reader, filename string, useFilenameHint bool) (Result, error) {
	return d.DetectContext(context.Background(), r, filename, useFilenameHint)
}

// DetectContext is Detect with a context for logging and observation.
func (d *Detector) DetectContext(ctx context.Context, r io.Reader, filename string, useFilenameHint bool) (Result, error) {
	start := time.Now()
	head, err := d.readHead(r)
	if err != nil {
		d.observer.ObserveReadError(ctx)
		slogutil.LoggerFromContext(ctx, d.logger).Debug("content read failed",
			"filename", filename,
			"error", err)
		return Result{}, err
	}
	res := d.classify(ctx, head, filename, useFilenameHint)
	d.observer.ObserveDetection(ctx, res, time.Since(start))
	return res, nil
}

// DetectBytes classifies an in-memory buffer.
func (d *Detector) DetectBytes(data []byte, filename string, useFilenameHint bool) Result {
	start := time.Now()
	ctx := context.Background()
	res := d.classify(ctx, data, filename, useFilenameHint)
	d.observer.ObserveDetection(ctx, res, time.Since(start))
	return res
}

// Peek classifies r and returns a reader that replays the inspected bytes
// followed by the rest of r.
func (d *Detector) Peek(ctx context.Context, r io.Reader, filename string, useFilenameHint bool) (Result, io.Reader, error) {
	start := time.Now()
	head, err := d.readHead(r)
	if err != nil {
		d.observer.ObserveReadError(ctx)
		return Result{}, nil, err
	}
	res := d.classify(ctx, head, filename, useFilenameHint)
	d.observer.ObserveDetection(ctx, res, time.Since(start))
	return res, io.MultiReader(bytes.NewReader(head), r), nil
}

func (d *Detector) readHead(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, &IOError{Err: errNilReader}
	}
	buf := make([]byte, d.repo.Lookahead())
	n, err := io.ReadFull(r, buf)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], nil
	default:
		return nil, &IOError{Err: err}
	}
}

func (d *Detector) classify(ctx context.Context, head []byte, filename string, useFilenameHint bool) Result {
	if len(head) > d.repo.Lookahead() {
		head = head[:d.repo.Lookahead()]
	}
	sigs := d.repo.MatchSignatures(head)

	var hints []rules.Candidate
	if useFilenameHint && filename != "" {
		hints = d.repo.MatchFilename(filename)
	}

	resolution := Resolve(d.repo, sigs, hints)
	res := Result{
		MediaType:  resolution.Type,
		Extension:  ExtensionFor(d.repo, resolution.Type),
		Method:     resolution.Method,
		Ancestors:  resolution.Ancestors,
		Signatures: sigs,
		Hints:      hints,
		Size:       len(head),
	}
	if resolution.Winner != nil {
		res.Rule = resolution.Winner.Rule
	}

	slogutil.LoggerFromContext(ctx, d.logger).Debug("content classified",
		"filename", filename,
		"media_type", res.MediaType.String(),
		"extension", res.Extension,
		"method", string(res.Method),
		"rule", res.Rule,
		"signatures", len(sigs),
		"hints", len(hints))
	return res
}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("backend: store is closed")

// Format specifies the output format for the file journal.
type Format string

const (
	FormatNDJSON Format = "ndjson" // one record per line (default)
	FormatJSON   Format = "json"   // indented records separated by newlines
)

// FileResultStore appends journal records to a file or writer.
type FileResultStore struct {
	mu      sync.Mutex
	writer  io.Writer
	file    *os.File // nil when writing to stdout or a caller's writer
	format  Format
	metrics Metrics
	closed  bool
}

// FileResultStoreConfig configures a FileResultStore.
type FileResultStoreConfig struct {
	// Path is the file to append to. Empty means stdout.
	Path string

	// Writer overrides Path.
	Writer io.Writer

	// Format defaults to ndjson.
	Format Format

	// Metrics for observability (optional).
	Metrics Metrics
}

// NewFileResultStore opens a file journal.
func NewFileResultStore(cfg *FileResultStoreConfig) (*FileResultStore, error) {
	if cfg == nil {
		cfg = &FileResultStoreConfig{}
	}

	store := &FileResultStore{
		format:  cfg.Format,
		metrics: cfg.Metrics,
	}
	switch store.format {
	case "":
		store.format = FormatNDJSON
	case FormatNDJSON, FormatJSON:
	default:
		return nil, errors.New("backend: unknown journal format " + string(cfg.Format))
	}
	if store.metrics == nil {
		store.metrics = NoopMetrics{}
	}

	switch {
	case cfg.Writer != nil:
		store.writer = cfg.Writer
	case cfg.Path != "":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		store.file = f
		store.writer = f
	default:
		store.writer = os.Stdout
	}

	return store, nil
}

// Store writes a single record.
func (s *FileResultStore) Store(ctx context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}
	return s.StoreBatch(ctx, []*Record{rec})
}

// StoreBatch encodes all records and writes them with a single call.
func (s *FileResultStore) StoreBatch(ctx context.Context, recs []*Record) error {
	start := time.Now()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if s.format == FormatJSON {
		enc.SetIndent("", "  ")
	}
	n := 0
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		if err := enc.Encode(rec); err != nil {
			s.metrics.IncStoreError()
			return err
		}
		n++
	}
	if n == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.writer.Write(buf.Bytes())
	s.metrics.ObserveStoreDuration(time.Since(start))
	if err != nil {
		s.metrics.IncStoreError()
		return err
	}
	for i := 0; i < n; i++ {
		s.metrics.IncStoreSuccess()
	}
	return nil
}

// Close closes the file if one was opened.
func (s *FileResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// DiscardResultStore drops every record. It is used when the journal is disabled.
type DiscardResultStore struct{}

func (DiscardResultStore) Store(context.Context, *Record) error        { return nil }
func (DiscardResultStore) StoreBatch(context.Context, []*Record) error { return nil }
func (DiscardResultStore) Close() error                                { return nil }

var (
	_ ResultStore = (*FileResultStore)(nil)
	_ ResultStore = DiscardResultStore{}
)

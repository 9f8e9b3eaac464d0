// Package backend provides pluggable sinks for the mediasniff detection journal.
//
// Every classification made by the CLI, the HTTP service or the sniffing
// proxy can be recorded. Three deployment shapes are supported:
//
//   - Local: ndjson file or in-memory journal
//   - Team: SQLite database
//   - Production: PostgreSQL behind the async batching wrapper
//
// The same binary works in all shapes; the journal driver is chosen by configuration.
package backend

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/grokify/mediasniff/pkg/detect"
)

// Record is one journaled classification.
type Record struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Filename    string    `json:"filename,omitempty"`
	Size        int       `json:"size"`
	MediaType   string    `json:"mediaType"`
	Extension   string    `json:"extension,omitempty"`
	Method      string    `json:"method"`
	Rule        string    `json:"rule,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	DetectedAt  time.Time `json:"detectedAt"`
	DurationMs  float64   `json:"durationMs"`
}

var recordSeq atomic.Uint64

// NewRecord builds a journal record for res. source names the surface that
// produced it ("cli", "http", "proxy"); fingerprint identifies the rule set.
func NewRecord(source, filename, fingerprint string, res detect.Result, at time.Time, elapsed time.Duration) *Record {
	return &Record{
		ID:          recordID(source, filename, at),
		Source:      source,
		Filename:    filename,
		Size:        res.Size,
		MediaType:   res.MediaType.String(),
		Extension:   res.Extension,
		Method:      string(res.Method),
		Rule:        res.Rule,
		Fingerprint: fingerprint,
		DetectedAt:  at.UTC(),
		DurationMs:  float64(elapsed.Microseconds()) / 1000,
	}
}

func recordID(source, filename string, at time.Time) string {
	d := xxhash.New()
	_, _ = d.WriteString(source)
	_, _ = d.WriteString(filename)
	_, _ = d.WriteString(strconv.FormatInt(at.UnixNano(), 10))
	_, _ = d.WriteString(strconv.FormatUint(recordSeq.Add(1), 10))
	return strconv.FormatUint(d.Sum64(), 16)
}

// ResultStore is the interface for journaling classifications.
// Implementations must be safe for concurrent use.
type ResultStore interface {
	// Store saves a single record.
	Store(ctx context.Context, rec *Record) error

	// StoreBatch saves multiple records efficiently.
	StoreBatch(ctx context.Context, recs []*Record) error

	// Close releases any resources held by the store.
	Close() error
}

// ResultQuerier is an optional interface for reading the journal back.
// Write-only sinks such as the file store do not implement it.
type ResultQuerier interface {
	// Query returns records matching the filter, newest first.
	Query(ctx context.Context, filter *ResultFilter) ([]*Record, error)

	// Count returns the number of records matching the filter.
	Count(ctx context.Context, filter *ResultFilter) (int64, error)

	// Stats returns aggregate statistics.
	Stats(ctx context.Context, filter *ResultFilter) (*ResultStats, error)
}

// ResultFilter specifies criteria for querying records. Zero fields match everything.
type ResultFilter struct {
	// Time range
	StartTime time.Time
	EndTime   time.Time

	MediaTypes []string
	Methods    []string
	Sources    []string

	// Pagination
	Limit  int
	Offset int
}

func (f *ResultFilter) matches(rec *Record) bool {
	if f == nil {
		return true
	}
	if !f.StartTime.IsZero() && rec.DetectedAt.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && rec.DetectedAt.After(f.EndTime) {
		return false
	}
	return contains(f.MediaTypes, rec.MediaType) &&
		contains(f.Methods, rec.Method) &&
		contains(f.Sources, rec.Source)
}

// contains reports whether v is in set; an empty set matches anything.
func contains(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// ResultStats contains aggregate journal statistics.
type ResultStats struct {
	TotalRecords     int64            `json:"totalRecords"`
	AvgDurationMs    float64          `json:"avgDurationMs"`
	TotalBytes       int64            `json:"totalBytes"`
	RecordsByType    map[string]int64 `json:"recordsByType"`
	RecordsByMethod  map[string]int64 `json:"recordsByMethod"`
	UniqueMediaTypes int64            `json:"uniqueMediaTypes"`
}

func newResultStats() *ResultStats {
	return &ResultStats{
		RecordsByType:   make(map[string]int64),
		RecordsByMethod: make(map[string]int64),
	}
}

func (s *ResultStats) add(rec *Record) {
	s.TotalRecords++
	s.TotalBytes += int64(rec.Size)
	s.RecordsByType[rec.MediaType]++
	s.RecordsByMethod[rec.Method]++
	s.AvgDurationMs += (rec.DurationMs - s.AvgDurationMs) / float64(s.TotalRecords)
	s.UniqueMediaTypes = int64(len(s.RecordsByType))
}

// AsyncResultStore wraps a ResultStore with async buffered writes so that
// request paths never block on the journal.
type AsyncResultStore interface {
	ResultStore

	// QueueDepth returns the current number of records waiting to be stored.
	QueueDepth() int

	// Flush blocks until all queued records are stored.
	Flush(ctx context.Context) error
}

// Metrics provides observability for journal operations.
type Metrics interface {
	// IncStoreSuccess increments successful store counter.
	IncStoreSuccess()

	// IncStoreError increments store error counter.
	IncStoreError()

	// ObserveStoreDuration records store operation duration.
	ObserveStoreDuration(d time.Duration)

	// SetQueueDepth sets the current queue depth gauge.
	SetQueueDepth(n int)
}

// NoopMetrics is a Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) IncStoreSuccess()                   {}
func (NoopMetrics) IncStoreError()                     {}
func (NoopMetrics) ObserveStoreDuration(time.Duration) {}
func (NoopMetrics) SetQueueDepth(int)                  {}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grokify/mediasniff/pkg/detect"
	"github.com/grokify/mediasniff/pkg/mediatype"
)

type countingMetrics struct {
	success, errors atomic.Int64
}

func (m *countingMetrics) IncStoreSuccess()                   { m.success.Add(1) }
func (m *countingMetrics) IncStoreError()                     { m.errors.Add(1) }
func (m *countingMetrics) ObserveStoreDuration(time.Duration) {}
func (m *countingMetrics) SetQueueDepth(int)                  {}

func TestNewRecord(t *testing.T) {
	res := detect.Result{
		MediaType: mediatype.MustParse("application/pdf"),
		Extension: ".pdf",
		Method:    detect.MethodSignature,
		Rule:      "application/pdf magic[0]",
		Size:      1024,
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	rec := NewRecord("http", "doc.pdf", "abc", res, at, 1500*time.Microsecond)

	if rec.MediaType != "application/pdf" || rec.Extension != ".pdf" || rec.Method != "signature" {
		t.Errorf("NewRecord() = %+v", rec)
	}
	if rec.DetectedAt.Location() != time.UTC || !rec.DetectedAt.Equal(at) {
		t.Errorf("DetectedAt = %v", rec.DetectedAt)
	}
	if rec.DurationMs != 1.5 {
		t.Errorf("DurationMs = %v, want 1.5", rec.DurationMs)
	}
	if rec.ID == "" {
		t.Error("ID is empty")
	}
	if other := NewRecord("http", "doc.pdf", "abc", res, at, 0); other.ID == rec.ID {
		t.Error("IDs must be unique for identical inputs")
	}
}

func TestFileResultStore(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("ndjson", func(t *testing.T) {
		var buf bytes.Buffer
		metrics := &countingMetrics{}
		store, err := NewFileResultStore(&FileResultStoreConfig{Writer: &buf, Metrics: metrics})
		if err != nil {
			t.Fatal(err)
		}
		if err := store.StoreBatch(ctx, []*Record{
			testRecord("a", "image/png", "signature", at),
			nil,
			testRecord("b", "text/plain", "hint", at),
		}); err != nil {
			t.Fatalf("StoreBatch() error = %v", err)
		}

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 2 {
			t.Fatalf("wrote %d lines, want 2", len(lines))
		}
		var rec Record
		if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
			t.Fatal(err)
		}
		if rec.ID != "b" || rec.MediaType != "text/plain" {
			t.Errorf("decoded = %+v", rec)
		}
		if metrics.success.Load() != 2 {
			t.Errorf("success = %d, want 2", metrics.success.Load())
		}

		if err := store.Close(); err != nil {
			t.Fatal(err)
		}
		if err := store.Store(ctx, testRecord("c", "image/gif", "signature", at)); !errors.Is(err, ErrClosed) {
			t.Errorf("Store() after close error = %v", err)
		}
	})

	t.Run("json file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "journal.json")
		store, err := NewFileResultStore(&FileResultStoreConfig{Path: path, Format: FormatJSON})
		if err != nil {
			t.Fatal(err)
		}
		if err := store.Store(ctx, testRecord("a", "image/png", "signature", at)); err != nil {
			t.Fatal(err)
		}
		store.Close()

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "\n  \"mediaType\": \"image/png\"") {
			t.Errorf("expected indented JSON, got %s", data)
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		if _, err := NewFileResultStore(&FileResultStoreConfig{Format: "xml"}); err == nil {
			t.Error("expected error")
		}
	})
}

func TestMemoryResultStore(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryResultStore(3, nil)

	for i, id := range []string{"a", "b", "c", "d"} {
		mt := "image/png"
		if i%2 == 1 {
			mt = "text/plain"
		}
		if err := store.Store(ctx, testRecord(id, mt, "signature", base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}

	if store.Len() != 3 {
		t.Fatalf("Len() = %d, want 3 after eviction", store.Len())
	}

	recs, err := store.Query(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].ID != "d" || recs[2].ID != "b" {
		t.Errorf("Query() = %v", recs)
	}

	recs, _ = store.Query(ctx, &ResultFilter{MediaTypes: []string{"text/plain"}, Limit: 1})
	if len(recs) != 1 || recs[0].ID != "d" {
		t.Errorf("filtered Query() = %v", recs)
	}
	recs, _ = store.Query(ctx, &ResultFilter{Offset: 1, Limit: 1})
	if len(recs) != 1 || recs[0].ID != "c" {
		t.Errorf("paged Query() = %v", recs)
	}

	n, _ := store.Count(ctx, &ResultFilter{StartTime: base.Add(2 * time.Second)})
	if n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}

	stats, err := store.Stats(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRecords != 3 || stats.RecordsByType["text/plain"] != 2 || stats.UniqueMediaTypes != 2 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.AvgDurationMs != 1.5 {
		t.Errorf("AvgDurationMs = %v", stats.AvgDurationMs)
	}

	// Stored records are copies.
	recs[0].MediaType = "mutated"
	again, _ := store.Query(ctx, &ResultFilter{Offset: 1, Limit: 1})
	if again[0].MediaType == "mutated" {
		t.Error("Query() leaked internal state")
	}

	store.Close()
	if _, err := store.Count(ctx, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Count() after close error = %v", err)
	}
}

func TestAsyncResultStore(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryResultStore(0, nil)
	async := NewAsyncResultStore(inner, &AsyncConfig{BatchSize: 4, FlushPeriod: 5 * time.Millisecond, Workers: 3})

	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_ = async.Store(ctx, NewRecord("proxy", "", "", detect.Result{MediaType: mediatype.OctetStream, Method: detect.MethodDefault}, time.Now(), 0))
			}
		}(w)
	}
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := async.Flush(flushCtx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if inner.Len() != 100 {
		t.Errorf("stored %d records, want 100", inner.Len())
	}
	if async.QueueDepth() != 0 {
		t.Errorf("QueueDepth() = %d", async.QueueDepth())
	}

	if err := async.Close(); err != nil {
		t.Fatal(err)
	}
	if err := async.Store(ctx, testRecord("late", "image/png", "signature", time.Now())); !errors.Is(err, ErrClosed) {
		t.Errorf("Store() after close error = %v", err)
	}
}

// blockingStore holds every batch until release is closed.
type blockingStore struct {
	release chan struct{}
	stored  atomic.Int64
}

func (b *blockingStore) Store(ctx context.Context, rec *Record) error {
	return b.StoreBatch(ctx, []*Record{rec})
}

func (b *blockingStore) StoreBatch(_ context.Context, recs []*Record) error {
	<-b.release
	b.stored.Add(int64(len(recs)))
	return nil
}

func (b *blockingStore) Close() error { return nil }

func TestAsyncResultStoreDropsWhenFull(t *testing.T) {
	ctx := context.Background()
	inner := &blockingStore{release: make(chan struct{})}
	metrics := &countingMetrics{}
	async := NewAsyncResultStore(inner, &AsyncConfig{QueueSize: 2, BatchSize: 1, Workers: 1, Metrics: metrics})

	for i := 0; i < 20; i++ {
		_ = async.Store(ctx, testRecord("r", "image/png", "signature", time.Now()))
	}
	if async.Dropped() == 0 {
		t.Error("expected dropped records with a full queue")
	}
	if metrics.errors.Load() != async.Dropped() {
		t.Errorf("errors = %d, dropped = %d", metrics.errors.Load(), async.Dropped())
	}

	close(inner.release)
	if err := async.Close(); err != nil {
		t.Fatal(err)
	}
	if got := inner.stored.Load() + async.Dropped(); got != 20 {
		t.Errorf("stored + dropped = %d, want 20", got)
	}
}

func TestSamplingResultStore(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryResultStore(0, nil)
	s, err := NewSamplingResultStore(inner, &SamplingConfig{
		SampleRate: 0.25,
		Always:     []string{"application/x-ms*"},
		Never:      []string{"text/*"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var batch []*Record
	for i := 0; i < 8; i++ {
		batch = append(batch,
			testRecord("img", "image/png", "signature", time.Now()),
			testRecord("exe", "application/x-msdownload", "signature", time.Now()),
			testRecord("txt", "text/plain", "hint", time.Now()),
		)
	}
	if err := s.StoreBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	stats, _ := inner.Stats(ctx, nil)
	if stats.RecordsByType["application/x-msdownload"] != 8 {
		t.Errorf("always-kept = %d, want 8", stats.RecordsByType["application/x-msdownload"])
	}
	if stats.RecordsByType["text/plain"] != 0 {
		t.Errorf("never-kept = %d, want 0", stats.RecordsByType["text/plain"])
	}
	if stats.RecordsByType["image/png"] != 2 {
		t.Errorf("sampled = %d, want 2", stats.RecordsByType["image/png"])
	}

	if _, err := NewSamplingResultStore(inner, &SamplingConfig{Never: []string{"[unclosed"}}); err == nil {
		t.Error("expected invalid pattern error")
	}
}

package backend

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
)

// AsyncResultStoreWrapper buffers records in a queue drained by background
// workers that write in batches. Records are dropped when the queue is full.
type AsyncResultStoreWrapper struct {
	store       ResultStore
	queue       chan *Record
	batchSize   int
	flushPeriod time.Duration
	metrics     Metrics

	// pending counts records accepted but not yet written.
	pending atomic.Int64
	dropped atomic.Int64

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopped  bool
	mu       sync.RWMutex
}

// AsyncConfig configures the async wrapper.
type AsyncConfig struct {
	// QueueSize is the buffer size for pending records (default: 10000).
	QueueSize int

	// BatchSize is the number of records to batch before writing (default: 100).
	BatchSize int

	// FlushPeriod is how often partial batches are written (default: 100ms).
	FlushPeriod time.Duration

	// Workers is the number of concurrent workers (default: 2).
	Workers int

	// Metrics for observability (optional).
	Metrics Metrics
}

// DefaultAsyncConfig returns default async configuration.
func DefaultAsyncConfig() *AsyncConfig {
	return &AsyncConfig{
		QueueSize:   10000,
		BatchSize:   100,
		FlushPeriod: 100 * time.Millisecond,
		Workers:     2,
	}
}

// NewAsyncResultStore wraps store with async buffered writes.
func NewAsyncResultStore(store ResultStore, cfg *AsyncConfig) *AsyncResultStoreWrapper {
	def := DefaultAsyncConfig()
	if cfg == nil {
		cfg = def
	}
	c := *cfg
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FlushPeriod <= 0 {
		c.FlushPeriod = def.FlushPeriod
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.Metrics == nil {
		c.Metrics = NoopMetrics{}
	}

	w := &AsyncResultStoreWrapper{
		store:       store,
		queue:       make(chan *Record, c.QueueSize),
		batchSize:   c.BatchSize,
		flushPeriod: c.FlushPeriod,
		metrics:     c.Metrics,
		stopChan:    make(chan struct{}),
	}

	for i := 0; i < c.Workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}
	return w
}

// Store queues a record. It never blocks; a full queue drops the record.
func (w *AsyncResultStoreWrapper) Store(_ context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return ErrClosed
	}

	w.pending.Add(1)
	select {
	case w.queue <- rec:
		w.metrics.SetQueueDepth(len(w.queue))
	default:
		w.pending.Add(-1)
		w.dropped.Add(1)
		w.metrics.IncStoreError()
	}
	return nil
}

// StoreBatch queues multiple records.
func (w *AsyncResultStoreWrapper) StoreBatch(ctx context.Context, recs []*Record) error {
	for _, rec := range recs {
		if err := w.Store(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// QueueDepth returns the current number of records waiting to be stored.
func (w *AsyncResultStoreWrapper) QueueDepth() int {
	return len(w.queue)
}

// Dropped returns the number of records discarded because the queue was full.
func (w *AsyncResultStoreWrapper) Dropped() int64 {
	return w.dropped.Load()
}

// Flush blocks until every accepted record has been written or ctx ends.
func (w *AsyncResultStoreWrapper) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for w.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops the workers after draining the queue and closes the wrapped store.
func (w *AsyncResultStoreWrapper) Close() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	return w.store.Close()
}

func (w *AsyncResultStoreWrapper) worker() {
	defer w.wg.Done()

	batch := make([]*Record, 0, w.batchSize)
	ticker := time.NewTicker(w.flushPeriod)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := w.store.StoreBatch(ctx, batch)
		cancel()

		// Wrapped stores count their own successes.
		if err != nil {
			w.metrics.IncStoreError()
		}
		w.metrics.ObserveStoreDuration(time.Since(start))

		w.pending.Add(-int64(len(batch)))
		batch = batch[:0]
		w.metrics.SetQueueDepth(len(w.queue))
	}

	for {
		select {
		case rec := <-w.queue:
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.stopChan:
			for {
				select {
				case rec := <-w.queue:
					batch = append(batch, rec)
					if len(batch) >= w.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// SamplingResultStore journals a fraction of records. Media types matching
// an Always pattern are always kept; types matching a Never pattern never are.
type SamplingResultStore struct {
	store      ResultStore
	sampleRate float64
	always     []glob.Glob
	never      []glob.Glob
	counter    atomic.Uint64
}

// SamplingConfig configures journal sampling.
type SamplingConfig struct {
	// SampleRate is the fraction of records to keep (0.0 to 1.0).
	SampleRate float64

	// Always lists media type globs that bypass sampling, e.g. "application/x-ms*".
	Always []string

	// Never lists media type globs that are never journaled, e.g. "text/*".
	Never []string
}

// NewSamplingResultStore wraps store with sampling.
func NewSamplingResultStore(store ResultStore, cfg *SamplingConfig) (*SamplingResultStore, error) {
	if cfg == nil {
		cfg = &SamplingConfig{SampleRate: 1.0}
	}
	s := &SamplingResultStore{store: store, sampleRate: cfg.SampleRate}

	var err error
	if s.always, err = compileTypeGlobs(cfg.Always); err != nil {
		return nil, err
	}
	if s.never, err = compileTypeGlobs(cfg.Never); err != nil {
		return nil, err
	}
	return s, nil
}

func compileTypeGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("backend: invalid media type pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// Store samples and potentially stores a record.
func (s *SamplingResultStore) Store(ctx context.Context, rec *Record) error {
	if rec == nil || !s.keep(rec) {
		return nil
	}
	return s.store.Store(ctx, rec)
}

// StoreBatch samples each record and forwards the kept ones in one batch.
func (s *SamplingResultStore) StoreBatch(ctx context.Context, recs []*Record) error {
	kept := make([]*Record, 0, len(recs))
	for _, rec := range recs {
		if rec != nil && s.keep(rec) {
			kept = append(kept, rec)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return s.store.StoreBatch(ctx, kept)
}

// Close closes the underlying store.
func (s *SamplingResultStore) Close() error {
	return s.store.Close()
}

func (s *SamplingResultStore) keep(rec *Record) bool {
	if matchAny(s.never, rec.MediaType) {
		return false
	}
	if matchAny(s.always, rec.MediaType) {
		return true
	}
	return s.shouldSample()
}

// shouldSample keeps every 1/rate-th record.
func (s *SamplingResultStore) shouldSample() bool {
	if s.sampleRate >= 1.0 {
		return true
	}
	if s.sampleRate <= 0.0 {
		return false
	}
	interval := uint64(1.0 / s.sampleRate)
	return s.counter.Add(1)%interval == 0
}

var (
	_ AsyncResultStore = (*AsyncResultStoreWrapper)(nil)
	_ ResultStore      = (*SamplingResultStore)(nil)
)

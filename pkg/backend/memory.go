package backend

import (
	"context"
	"sync"
	"time"
)

// MemoryResultStore keeps the most recent records in a bounded ring.
// It implements ResultQuerier and backs the HTTP service's journal endpoint
// when no database is configured.
type MemoryResultStore struct {
	mu       sync.RWMutex
	records  []*Record
	next     int
	full     bool
	metrics  Metrics
	closed   bool
	capacity int
}

// DefaultMemoryCapacity is the number of records kept when no capacity is given.
const DefaultMemoryCapacity = 10000

// NewMemoryResultStore creates an in-memory journal holding up to capacity records.
func NewMemoryResultStore(capacity int, metrics Metrics) *MemoryResultStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &MemoryResultStore{
		records:  make([]*Record, capacity),
		metrics:  metrics,
		capacity: capacity,
	}
}

// Store appends a record, evicting the oldest when full.
func (s *MemoryResultStore) Store(ctx context.Context, rec *Record) error {
	return s.StoreBatch(ctx, []*Record{rec})
}

// StoreBatch appends records in order.
func (s *MemoryResultStore) StoreBatch(_ context.Context, recs []*Record) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.metrics.IncStoreError()
		return ErrClosed
	}
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		cp := *rec
		s.records[s.next] = &cp
		s.next = (s.next + 1) % s.capacity
		if s.next == 0 {
			s.full = true
		}
		s.metrics.IncStoreSuccess()
	}
	s.metrics.ObserveStoreDuration(time.Since(start))
	return nil
}

// Close drops all records.
func (s *MemoryResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	s.next, s.full = 0, false
	return nil
}

// Len returns the number of retained records.
func (s *MemoryResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return s.capacity
	}
	return s.next
}

// newestFirst calls fn for each retained record from newest to oldest until fn returns false.
func (s *MemoryResultStore) newestFirst(fn func(*Record) bool) {
	n := s.next
	if s.full {
		n = s.capacity
	}
	for i := 0; i < n; i++ {
		idx := (s.next - 1 - i + s.capacity) % s.capacity
		if !fn(s.records[idx]) {
			return
		}
	}
}

// Query returns matching records, newest first.
func (s *MemoryResultStore) Query(_ context.Context, filter *ResultFilter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var offset, limit int
	if filter != nil {
		offset, limit = filter.Offset, filter.Limit
	}

	var out []*Record
	s.newestFirst(func(rec *Record) bool {
		if !filter.matches(rec) {
			return true
		}
		if offset > 0 {
			offset--
			return true
		}
		cp := *rec
		out = append(out, &cp)
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

// Count returns the number of matching records.
func (s *MemoryResultStore) Count(_ context.Context, filter *ResultFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int64
	s.newestFirst(func(rec *Record) bool {
		if filter.matches(rec) {
			n++
		}
		return true
	})
	return n, nil
}

// Stats aggregates matching records. Pagination fields are ignored.
func (s *MemoryResultStore) Stats(_ context.Context, filter *ResultFilter) (*ResultStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	stats := newResultStats()
	s.newestFirst(func(rec *Record) bool {
		if filter.matches(rec) {
			stats.add(rec)
		}
		return true
	})
	return stats, nil
}

var (
	_ ResultStore   = (*MemoryResultStore)(nil)
	_ ResultQuerier = (*MemoryResultStore)(nil)
)

// Package ringlog is the bounded in-memory log store at the center of the
// ingest pipeline. Producers append without blocking; readers query ranges
// with an opaque monotone cursor, or subscribe for live fan-out. Subscribers
// that cannot keep up are dropped rather than back-pressuring producers.
package ringlog

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quernlabs/quern/internal/model"
)

// DefaultCapacity is the number of entries retained before eviction.
const DefaultCapacity = 10000

var (
	appendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quern_log_entries_total",
		Help: "Count of log entries appended to the ring buffer.",
	}, []string{"source", "level"})
	evictTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quern_log_evictions_total",
		Help: "Count of log entries evicted from the ring buffer.",
	})
	subscriberDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quern_log_subscriber_drops_total",
		Help: "Count of subscribers dropped for not keeping up.",
	})
)

// Buffer is the ring. The zero value is not usable; construct with New.
type Buffer struct {
	mu       sync.RWMutex
	entries  []model.LogEntry // ring storage
	head     int              // index of the oldest entry
	size     int              // entries currently stored
	capacity int
	seq      uint64

	subMu sync.Mutex
	subs  map[*Subscription]struct{}
}

// New returns a Buffer holding at most |capacity| entries, or
// DefaultCapacity when capacity is <= 0.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries:  make([]model.LogEntry, capacity),
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Append stores the entry, assigning its sequence number and, if absent, its
// id and timestamp. It never blocks: slow subscribers are dropped. The
// stored entry (with sequence assigned) is returned.
func (b *Buffer) Append(e model.LogEntry) model.LogEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}
	e.Message = strings.ReplaceAll(e.Message, "\r\n", "\n")

	b.mu.Lock()
	b.seq++
	e.Seq = b.seq
	if b.size == b.capacity {
		b.head = (b.head + 1) % b.capacity
		evictTotal.Inc()
	} else {
		b.size++
	}
	b.entries[(b.head+b.size-1)%b.capacity] = e
	b.mu.Unlock()

	appendTotal.WithLabelValues(string(e.Source), string(e.Level)).Inc()
	b.fanOut(e)
	return e
}

// Len returns the number of entries currently retained.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Seq returns the sequence number of the most recent append.
func (b *Buffer) Seq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// snapshot copies the retained entries in append order.
func (b *Buffer) snapshot() []model.LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out = make([]model.LogEntry, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.entries[(b.head+i)%b.capacity])
	}
	return out
}

// Cursor marks a position in the stream. It is serialized opaquely; a
// client that round-trips it sees exactly the entries appended after it.
type Cursor struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
}

// Encode renders the cursor as an opaque token.
func (c Cursor) Encode() string {
	var raw, _ = json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token produced by Encode. An empty token decodes to
// the zero cursor (meaning: from the beginning).
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	var raw, err = base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("decoding cursor: %w", err)
	}
	var c Cursor
	if err = json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("decoding cursor: %w", err)
	}
	return c, nil
}

// QueryResult is a page of entries plus the cursor at the stream's head.
type QueryResult struct {
	Entries []model.LogEntry
	Total   int // matches before limit/offset
	Cursor  Cursor
}

// Query returns matching entries newest-first. SinceCursor filters to
// entries strictly after the cursor; Since/Until bound by timestamp.
func (b *Buffer) Query(f Filter, limit, offset int) QueryResult {
	var all = b.snapshot()

	var matched []model.LogEntry
	for _, e := range all {
		if f.Match(e) {
			matched = append(matched, e)
		}
	}

	var head = Cursor{}
	if n := len(all); n > 0 {
		head = Cursor{Seq: all[n-1].Seq, Timestamp: all[n-1].Timestamp}
	}

	// Newest first.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}

	var total = len(matched)
	if offset > 0 {
		if offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[offset:]
		}
	}
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return QueryResult{Entries: matched, Total: total, Cursor: head}
}

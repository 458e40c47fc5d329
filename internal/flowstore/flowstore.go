// Package flowstore is the bounded in-memory store of captured HTTP flows.
// Detail records are evicted oldest-first at capacity; the one-line summary
// entries already in the ring buffer outlive the detail they summarize.
package flowstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quernlabs/quern/internal/model"
)

// DefaultCapacity is the number of flows retained before eviction.
const DefaultCapacity = 5000

var (
	flowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quern_flows_total",
		Help: "Count of flows added to the flow store.",
	})
	flowEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quern_flow_evictions_total",
		Help: "Count of flows evicted from the flow store.",
	})
)

// Store holds captured flows, indexed by id and ordered by arrival.
type Store struct {
	mu       sync.RWMutex
	flows    []*model.FlowRecord // arrival order, oldest first
	byID     map[string]*model.FlowRecord
	capacity int

	waitMu  sync.Mutex
	waiters map[*waiter]struct{}
}

type waiter struct {
	filter Filter
	ch     chan *model.FlowRecord
}

// New returns a Store retaining at most |capacity| flows, or
// DefaultCapacity when capacity <= 0.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		byID:     make(map[string]*model.FlowRecord),
		capacity: capacity,
		waiters:  make(map[*waiter]struct{}),
	}
}

// Add stores a flow, evicting the oldest at capacity, and wakes any waiter
// whose filter the flow matches.
func (s *Store) Add(f *model.FlowRecord) {
	s.mu.Lock()
	if prior, ok := s.byID[f.ID]; ok {
		// A flow transitioning pending->complete is updated in place.
		*prior = *f
		f = prior
	} else {
		if len(s.flows) == s.capacity {
			var oldest = s.flows[0]
			s.flows = s.flows[1:]
			delete(s.byID, oldest.ID)
			flowEvictions.Inc()
		}
		s.flows = append(s.flows, f)
		s.byID[f.ID] = f
		flowsTotal.Inc()
	}
	s.mu.Unlock()

	s.waitMu.Lock()
	for w := range s.waiters {
		if w.filter.Match(f) {
			select {
			case w.ch <- f:
			default:
			}
		}
	}
	s.waitMu.Unlock()
}

// Get returns the flow with the given id.
func (s *Store) Get(id string) (*model.FlowRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var f, ok = s.byID[id]
	return f, ok
}

// Len returns the number of retained flows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flows)
}

// Clear discards all retained flows.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = nil
	s.byID = make(map[string]*model.FlowRecord)
}

// Query returns matching flows newest-first.
func (s *Store) Query(f Filter, limit, offset int) (out []*model.FlowRecord, total int) {
	s.mu.RLock()
	var matched []*model.FlowRecord
	for _, fl := range s.flows {
		if f.Match(fl) {
			matched = append(matched, fl)
		}
	}
	s.mu.RUnlock()

	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}

	total = len(matched)
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
	return matched, total
}

// Wait blocks until a flow matching f exists, or the timeout passes. Flows
// that arrived at or after f.Since also satisfy the wait, which catches
// flows landing between a triggering action and the wait call; callers
// default Since to now minus five seconds.
func (s *Store) Wait(ctx context.Context, f Filter, timeout time.Duration) (*model.FlowRecord, bool) {
	// Existing flow within the Since horizon?
	if got, _ := s.Query(f, 1, 0); len(got) != 0 {
		return got[0], true
	}

	var w = &waiter{filter: f, ch: make(chan *model.FlowRecord, 1)}
	s.waitMu.Lock()
	s.waiters[w] = struct{}{}
	s.waitMu.Unlock()

	defer func() {
		s.waitMu.Lock()
		delete(s.waiters, w)
		s.waitMu.Unlock()
	}()

	var timer = time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case fl := <-w.ch:
		return fl, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Filter selects flows. The zero Filter matches everything.
type Filter struct {
	Host         string // exact match, or host:port
	PathContains string
	Method       string
	StatusMin    int
	StatusMax    int
	HasError     *bool
	DeviceID     string
	Since        time.Time
	Until        time.Time
}

// Match reports whether the flow passes every populated criterion.
func (f Filter) Match(fl *model.FlowRecord) bool {
	if f.Host != "" && !strings.EqualFold(fl.Request.Host, f.Host) {
		return false
	}
	if f.PathContains != "" && !strings.Contains(fl.Request.Path, f.PathContains) {
		return false
	}
	if f.Method != "" && !strings.EqualFold(fl.Request.Method, f.Method) {
		return false
	}
	if f.StatusMin != 0 || f.StatusMax != 0 {
		if fl.Response == nil {
			return false
		}
		if f.StatusMin != 0 && fl.Response.StatusCode < f.StatusMin {
			return false
		}
		if f.StatusMax != 0 && fl.Response.StatusCode > f.StatusMax {
			return false
		}
	}
	if f.HasError != nil && (fl.Error != "") != *f.HasError {
		return false
	}
	if f.DeviceID != "" && fl.DeviceID != f.DeviceID {
		return false
	}
	if !f.Since.IsZero() && fl.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && fl.Timestamp.After(f.Until) {
		return false
	}
	return true
}

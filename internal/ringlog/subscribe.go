package ringlog

import "github.com/quernlabs/quern/internal/model"

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// lets this many entries pile up is dropped.
const subscriberBuffer = 512

// Subscription is a live feed of entries appended after Subscribe was
// called. C is closed when the subscription ends; Dropped is closed first
// if the subscriber fell too far behind and was cut loose.
type Subscription struct {
	C       <-chan model.LogEntry
	Dropped <-chan struct{}

	c       chan model.LogEntry
	dropped chan struct{}
	filter  Filter
	buf     *Buffer
	closed  bool
}

// Subscribe registers a live feed of entries matching f.
func (b *Buffer) Subscribe(f Filter) *Subscription {
	var s = &Subscription{
		c:       make(chan model.LogEntry, subscriberBuffer),
		dropped: make(chan struct{}),
		filter:  f,
		buf:     b,
	}
	s.C = s.c
	s.Dropped = s.dropped

	b.subMu.Lock()
	b.subs[s] = struct{}{}
	b.subMu.Unlock()
	return s
}

// Close tears the subscription down. Safe to call more than once.
func (s *Subscription) Close() {
	s.buf.subMu.Lock()
	defer s.buf.subMu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.buf.subs, s)
	close(s.c)
}

// fanOut delivers the entry to every matching subscriber without blocking.
func (b *Buffer) fanOut(e model.LogEntry) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	for s := range b.subs {
		if !s.filter.Match(e) {
			continue
		}
		select {
		case s.c <- e:
		default:
			// The subscriber is not draining; cut it loose.
			subscriberDrops.Inc()
			close(s.dropped)
			s.closeLocked()
		}
	}
}

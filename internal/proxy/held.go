package proxy

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/internal/model"
)

// holdTimeout is the auto-release deadline for a held flow. A forgotten
// hold must never wedge the app under test indefinitely.
const holdTimeout = 30 * time.Second

// HeldFlow is one paused flow awaiting release or drop.
type HeldFlow struct {
	Flow     *model.FlowRecord `json:"flow"`
	Phase    string            `json:"phase"` // request | response
	HeldAt   time.Time         `json:"held_at"`
	Deadline time.Time         `json:"deadline"`
}

// heldTable tracks paused flows and their auto-release timers.
type heldTable struct {
	mu      sync.Mutex
	flows   map[string]*HeldFlow
	timers  map[string]*time.Timer
	waiters map[chan *HeldFlow]struct{}

	// autoRelease forwards the flow unchanged when its deadline fires.
	autoRelease func(flowID string)
}

func newHeldTable(autoRelease func(flowID string)) *heldTable {
	return &heldTable{
		flows:       make(map[string]*HeldFlow),
		timers:      make(map[string]*time.Timer),
		waiters:     make(map[chan *HeldFlow]struct{}),
		autoRelease: autoRelease,
	}
}

// add registers a newly held flow and arms its auto-release timer.
func (t *heldTable) add(flow *model.FlowRecord, phase string) *HeldFlow {
	var now = time.Now().UTC()
	var h = &HeldFlow{Flow: flow, Phase: phase, HeldAt: now, Deadline: now.Add(holdTimeout)}

	t.mu.Lock()
	t.flows[flow.ID] = h
	t.timers[flow.ID] = time.AfterFunc(holdTimeout, func() {
		log.WithField("flow_id", flow.ID).Warn("held flow hit auto-release deadline")
		t.autoRelease(flow.ID)
	})
	for ch := range t.waiters {
		select {
		case ch <- h:
		default:
		}
	}
	t.mu.Unlock()
	return h
}

// remove drops the flow from the table, disarming its timer. Returns false
// if the flow was not held.
func (t *heldTable) remove(flowID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.flows[flowID]; !ok {
		return false
	}
	delete(t.flows, flowID)
	if timer, ok := t.timers[flowID]; ok {
		timer.Stop()
		delete(t.timers, flowID)
	}
	return true
}

// list returns held flows oldest first.
func (t *heldTable) list() []*HeldFlow {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out = make([]*HeldFlow, 0, len(t.flows))
	for _, h := range t.flows {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HeldAt.Before(out[j].HeldAt) })
	return out
}

// wait returns the current held flows immediately when nonempty, else
// blocks until one arrives or the timeout passes. Empty-and-timed-out is a
// normal outcome, not an error.
func (t *heldTable) wait(ctx context.Context, timeout time.Duration) []*HeldFlow {
	if held := t.list(); len(held) != 0 || timeout <= 0 {
		return held
	}

	var ch = make(chan *HeldFlow, 1)
	t.mu.Lock()
	t.waiters[ch] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.waiters, ch)
		t.mu.Unlock()
	}()

	var timer = time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return t.list()
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// stopAll disarms every timer; used at subsystem teardown.
func (t *heldTable) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	t.flows = make(map[string]*HeldFlow)
}

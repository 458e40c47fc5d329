// Package sources converts external streams — subprocess stdout or a
// filesystem watch — into ring-buffer log entries. Every origin implements
// the same small Adapter surface; parsing helpers are shared functions
// rather than a type hierarchy.
package sources

import (
	"context"
	"sort"
	"sync"

	"github.com/quernlabs/quern/internal/model"
)

// EmitFunc receives each parsed entry. Implementations append to the ring
// buffer and must not block.
type EmitFunc func(model.LogEntry)

// State is an adapter's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateDisabled State = "disabled" // tool missing, see Status.Reason
	StateFailed   State = "failed"
)

// Status is an adapter's externally visible condition. Adapter failures are
// surfaced here and via the sources endpoint, never from unrelated calls.
type Status struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Reason   string `json:"reason,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Entries  uint64 `json:"entries"`
}

// Adapter is one log origin.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Status() Status
}

// Registry tracks the configured adapters for lifecycle and reporting.
type Registry struct {
	mu       sync.Mutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Add registers an adapter under its name, replacing any previous one.
func (r *Registry) Add(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var a, ok = r.adapters[name]
	return a, ok
}

// Remove unregisters and returns the adapter under name.
func (r *Registry) Remove(name string) (Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var a, ok = r.adapters[name]
	delete(r.adapters, name)
	return a, ok
}

// Statuses reports every adapter's status, sorted by name.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	var out []Status
	for _, a := range r.adapters {
		out = append(out, a.Status())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StopAll stops every adapter. Used during shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	var all []Adapter
	for _, a := range r.adapters {
		all = append(all, a)
	}
	r.mu.Unlock()

	for _, a := range all {
		_ = a.Stop()
	}
}

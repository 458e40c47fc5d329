// Package pool coordinates device claims across processes through a
// file-locked JSON state file. All writers take an exclusive advisory lock
// and follow snapshot-modify-write; readers take a shared lock. Live boot
// state comes from the simulator tool through a narrow lister interface,
// cached briefly so external changes surface without flooding subprocess
// calls.
package pool

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/internal/model"
)

const (
	// schemaVersion allows forward-compatible evolution of the pool file.
	schemaVersion = 1
	// refreshInterval caches device-list subprocess calls.
	refreshInterval = 2 * time.Second
	// staleClaim is the age past which a claim is reaped opportunistically.
	staleClaim = 30 * time.Minute
)

// DeviceLister is the narrow controller interface the pool depends on.
// The controller holds the pool, not the other way around; wiring happens
// at lifecycle start.
type DeviceLister interface {
	ListDevices() ([]model.Device, error)
}

// Booter boots a device and blocks until it reports booted.
type Booter interface {
	BootAndWait(udid string, timeout time.Duration) error
}

// fileState is the on-disk shape of the pool file.
type fileState struct {
	Version int                   `json:"version"`
	Devices map[string]*poolEntry `json:"devices"`
}

type poolEntry struct {
	ClaimedBy string     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
}

// Pool is the process-local handle on the shared pool file.
type Pool struct {
	Path   string
	Lister DeviceLister
	Booter Booter

	mu          sync.Mutex
	lastRefresh time.Time
	cached      []model.Device
}

// New returns a Pool persisting at path.
func New(path string, lister DeviceLister, booter Booter) *Pool {
	return &Pool{Path: path, Lister: lister, Booter: booter}
}

// liveDevices returns the tool's device list, cached for refreshInterval.
func (p *Pool) liveDevices(force bool) ([]model.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !force && time.Since(p.lastRefresh) < refreshInterval && p.cached != nil {
		return p.cached, nil
	}
	var devices, err = p.Lister.ListDevices()
	if err != nil {
		return nil, err
	}
	p.cached, p.lastRefresh = devices, time.Now()
	return devices, nil
}

// readState parses the pool file under the given lock's file handle.
func readState(lf *lockedFile) (*fileState, error) {
	if _, err := lf.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var data, err = io.ReadAll(lf.f)
	if err != nil {
		return nil, err
	}

	var state = &fileState{Version: schemaVersion, Devices: map[string]*poolEntry{}}
	if len(data) != 0 {
		if err = json.Unmarshal(data, state); err != nil {
			// A corrupt pool file is surfaced but not fatal: claims restart
			// from empty rather than wedging every resolution.
			log.WithError(err).Warn("pool file corrupt; resetting")
			state = &fileState{Version: schemaVersion, Devices: map[string]*poolEntry{}}
		}
	}
	if state.Devices == nil {
		state.Devices = map[string]*poolEntry{}
	}
	return state, nil
}

func writeState(lf *lockedFile, state *fileState) error {
	state.Version = schemaVersion
	var data, err = json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err = lf.f.Truncate(0); err != nil {
		return err
	}
	if _, err = lf.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err = lf.f.Write(data)
	return err
}

// withExclusive runs fn with the pool file exclusively locked, after reaping
// stale claims. fn mutates the state in place; it is written back on nil.
func (p *Pool) withExclusive(fn func(*fileState, []model.Device) error) error {
	var devices, err = p.liveDevices(false)
	if err != nil {
		return err
	}

	lf, err := lockFile(p.Path, true)
	if err != nil {
		return err
	}
	defer lf.unlock()

	state, err := readState(lf)
	if err != nil {
		return err
	}
	reapStale(state)

	if err = fn(state, devices); err != nil {
		return err
	}
	return writeState(lf, state)
}

// reapStale releases claims older than staleClaim.
func reapStale(state *fileState) {
	for udid, e := range state.Devices {
		if e.ClaimedBy != "" && e.ClaimedAt != nil && time.Since(*e.ClaimedAt) > staleClaim {
			log.WithFields(log.Fields{"udid": udid, "session": e.ClaimedBy}).
				Info("releasing stale claim")
			e.ClaimedBy, e.ClaimedAt = "", nil
		}
	}
}

// Snapshot merges the live device list with claim state. It takes a shared
// lock for the read.
func (p *Pool) Snapshot() ([]model.Device, error) {
	var devices, err = p.liveDevices(false)
	if err != nil {
		return nil, err
	}

	lf, err := lockFile(p.Path, false)
	if err != nil {
		return nil, err
	}
	state, err := readState(lf)
	lf.unlock()
	if err != nil {
		return nil, err
	}
	reapStale(state)

	var out = make([]model.Device, len(devices))
	for i, d := range devices {
		if e, ok := state.Devices[d.UDID]; ok {
			if e.ClaimedBy != "" {
				d.ClaimStatus = model.ClaimClaimed
				d.ClaimedBy = e.ClaimedBy
				d.ClaimedAt = e.ClaimedAt
			}
			d.LastUsed = e.LastUsed
			d.Tags = append(d.Tags, e.Tags...)
		}
		if d.ClaimStatus == "" {
			d.ClaimStatus = model.ClaimAvailable
		}
		out[i] = d
	}
	return out, nil
}

// Refresh drops the device-list cache so the next access re-queries.
func (p *Pool) Refresh() {
	p.mu.Lock()
	p.lastRefresh = time.Time{}
	p.mu.Unlock()
}

// Claim marks the device claimed by session. It conflicts if another
// session holds it.
func (p *Pool) Claim(udid, session string) error {
	if session == "" {
		return model.Errf(model.KindValidation, "session id is required to claim")
	}
	return p.withExclusive(func(state *fileState, devices []model.Device) error {
		if !deviceExists(devices, udid) {
			return model.ToolErrf(model.KindNotFound, "pool", "unknown device %s", udid)
		}
		var e = ensureEntry(state, udid)
		if e.ClaimedBy != "" && e.ClaimedBy != session {
			return model.ToolErrf(model.KindConflict, "pool",
				"device %s already claimed by %s", udid, e.ClaimedBy)
		}
		var now = time.Now().UTC()
		e.ClaimedBy, e.ClaimedAt, e.LastUsed = session, &now, &now
		return nil
	})
}

// Release clears a claim. Releasing an unclaimed device is a no-op; a
// mismatched session is a conflict.
func (p *Pool) Release(udid, session string) error {
	return p.withExclusive(func(state *fileState, devices []model.Device) error {
		var e = ensureEntry(state, udid)
		if e.ClaimedBy == "" {
			return nil
		}
		if session != "" && e.ClaimedBy != session {
			return model.ToolErrf(model.KindConflict, "pool",
				"device %s is claimed by %s, not %s", udid, e.ClaimedBy, session)
		}
		e.ClaimedBy, e.ClaimedAt = "", nil
		return nil
	})
}

// Cleanup reaps stale claims immediately and reports how many were released.
func (p *Pool) Cleanup() (released int, err error) {
	err = p.withExclusive(func(state *fileState, _ []model.Device) error {
		for _, e := range state.Devices {
			if e.ClaimedBy != "" && e.ClaimedAt != nil && time.Since(*e.ClaimedAt) > staleClaim {
				e.ClaimedBy, e.ClaimedAt = "", nil
				released++
			}
		}
		return nil
	})
	return released, err
}

// TouchLastUsed records recency for ranking.
func (p *Pool) TouchLastUsed(udid string) {
	_ = p.withExclusive(func(state *fileState, _ []model.Device) error {
		var now = time.Now().UTC()
		ensureEntry(state, udid).LastUsed = &now
		return nil
	})
}

func ensureEntry(state *fileState, udid string) *poolEntry {
	var e, ok = state.Devices[udid]
	if !ok {
		e = &poolEntry{}
		state.Devices[udid] = e
	}
	return e
}

func deviceExists(devices []model.Device, udid string) bool {
	for _, d := range devices {
		if d.UDID == udid {
			return true
		}
	}
	return false
}

// EnsureDir creates the directory holding the pool file.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o700)
}

// Package device is the backend-dispatching facade over simulator and
// physical-device management, plus the UI-automation layer that synthesizes
// coordinate taps from accessibility trees.
package device

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/tool"
)

// Backend is the per-device-type management surface. Simulator-only
// operations return a validation error from the physical backend.
type Backend interface {
	ListDevices(ctx context.Context) ([]model.Device, error)
	Boot(ctx context.Context, udid string) error
	Shutdown(ctx context.Context, udid string) error
	Install(ctx context.Context, udid, path string) error
	Launch(ctx context.Context, udid, bundleID string) error
	Terminate(ctx context.Context, udid, bundleID string) error
	Uninstall(ctx context.Context, udid, bundleID string) error
	ListApps(ctx context.Context, udid string) ([]InstalledApp, error)
	Screenshot(ctx context.Context, udid string) ([]byte, error)
	SetLocation(ctx context.Context, udid string, lat, lon float64) error
	GrantPermission(ctx context.Context, udid, bundleID, permission string) error
}

// Resolver is the optional pool hook. Errors from it are swallowed: pool
// failure must be invisible to device-control callers.
type Resolver interface {
	ResolveAny(ctx context.Context) (string, error)
}

// Controller is the facade. All operations accept an optional udid; when
// empty, the active device is resolved on demand.
type Controller struct {
	sim  Backend
	phys Backend
	ui   uiClient

	Resolver Resolver // wired at lifecycle start, may be nil

	mu      sync.Mutex
	active  string
	types   map[string]model.DeviceType // udid -> type, learned from listings
	bundles map[string]string           // udid -> foreground bundle, from Launch
	trees   *treeCache
	coords  *coordCache
}

// NewController wires the default backends.
func NewController() *Controller {
	return &Controller{
		sim:     simctlBackend{},
		phys:    devicectlBackend{},
		types:   make(map[string]model.DeviceType),
		bundles: make(map[string]string),
		trees:   newTreeCache(),
		coords:  newCoordCache(),
	}
}

// Tools reports availability of each external binary as capability flags.
func (c *Controller) Tools() map[string]bool {
	return map[string]bool{
		"simctl":        tool.Available("xcrun"),
		"devicectl":     tool.Available("xcrun"),
		"idb":           tool.Available("idb"),
		"idevicesyslog": tool.Available("idevicesyslog"),
		"mitmdump":      tool.Available("mitmdump"),
		"xcodebuild":    tool.Available("xcodebuild"),
	}
}

// ListDevices enumerates both backends. A missing tool contributes no
// devices rather than an error; capability flags carry that signal.
func (c *Controller) ListDevices(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device

	sims, err := c.sim.ListDevices(ctx)
	if err != nil && !tool.IsMissing(err) {
		return nil, err
	}
	devices = append(devices, sims...)

	phys, err := c.phys.ListDevices(ctx)
	if err != nil {
		if !tool.IsMissing(err) {
			log.WithError(err).Debug("physical device listing failed")
		}
	} else {
		devices = append(devices, phys...)
	}

	c.mu.Lock()
	for _, d := range devices {
		c.types[d.UDID] = d.DeviceType
	}
	c.mu.Unlock()
	return devices, nil
}

// ListDevicesFiltered narrows by state and type.
func (c *Controller) ListDevicesFiltered(ctx context.Context, state model.DeviceState, dtype model.DeviceType) ([]model.Device, error) {
	var all, err = c.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Device
	for _, d := range all {
		if state != "" && d.State != state {
			continue
		}
		if dtype != "" && d.DeviceType != dtype {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// backendFor picks the backend by the device's learned type, defaulting to
// the simulator backend.
func (c *Controller) backendFor(udid string) Backend {
	c.mu.Lock()
	var t = c.types[udid]
	c.mu.Unlock()
	if t == model.TypeDevice {
		return c.phys
	}
	return c.sim
}

// SetActive pins the device used when callers omit a udid.
func (c *Controller) SetActive(udid string) {
	c.mu.Lock()
	c.active = udid
	c.mu.Unlock()
}

// Active returns the pinned device, if any.
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// ResolveUDID implements the resolution priority: explicit parameter,
// stored active device, pool resolution, then auto-detect when exactly one
// device is booted. Any pool error falls through to auto-detect so pool
// trouble never breaks direct control.
func (c *Controller) ResolveUDID(ctx context.Context, udid string) (string, error) {
	if udid != "" {
		return udid, nil
	}
	if active := c.Active(); active != "" {
		return active, nil
	}

	if c.Resolver != nil {
		if resolved, err := c.Resolver.ResolveAny(ctx); err == nil && resolved != "" {
			return resolved, nil
		} else if err != nil {
			log.WithError(err).Debug("pool resolution failed; falling back to auto-detect")
		}
	}

	var devices, err = c.ListDevices(ctx)
	if err != nil {
		return "", err
	}
	var booted []model.Device
	for _, d := range devices {
		if d.State == model.StateBooted {
			booted = append(booted, d)
		}
	}
	switch len(booted) {
	case 1:
		return booted[0].UDID, nil
	case 0:
		return "", model.Errf(model.KindNotFound, "no booted device; pass a udid or boot one")
	default:
		return "", model.Errf(model.KindValidation,
			"%d devices are booted; pass a udid to disambiguate", len(booted))
	}
}

// invalidate drops cached UI state for a device. Runs synchronously before
// any mutating operation returns.
func (c *Controller) invalidate(udid string) {
	c.trees.invalidate(udid)
}

// Boot boots a simulator.
func (c *Controller) Boot(ctx context.Context, udid string) error {
	return c.backendFor(udid).Boot(ctx, udid)
}

// BootAndWait boots then polls until booted; used by the pool's auto-boot.
func (c *Controller) BootAndWait(udid string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
	defer cancel()
	return simctlBackend{}.BootAndWait(ctx, udid, timeout)
}

// Shutdown shuts a simulator down. Nothing is foreground afterwards.
func (c *Controller) Shutdown(ctx context.Context, udid string) error {
	defer c.invalidate(udid)
	c.mu.Lock()
	delete(c.bundles, udid)
	c.mu.Unlock()
	return c.backendFor(udid).Shutdown(ctx, udid)
}

// Install installs an app bundle.
func (c *Controller) Install(ctx context.Context, udid, path string) error {
	return c.backendFor(udid).Install(ctx, udid, path)
}

// Launch starts an app, records it as the device's foreground app, and
// invalidates UI caches.
func (c *Controller) Launch(ctx context.Context, udid, bundleID string) error {
	defer c.invalidate(udid)
	if err := c.backendFor(udid).Launch(ctx, udid, bundleID); err != nil {
		return err
	}
	c.mu.Lock()
	c.bundles[udid] = bundleID
	c.mu.Unlock()
	return nil
}

// Terminate stops an app and invalidates UI caches.
func (c *Controller) Terminate(ctx context.Context, udid, bundleID string) error {
	defer c.invalidate(udid)
	c.clearForeground(udid, bundleID)
	return c.backendFor(udid).Terminate(ctx, udid, bundleID)
}

// Uninstall removes an app.
func (c *Controller) Uninstall(ctx context.Context, udid, bundleID string) error {
	defer c.invalidate(udid)
	c.clearForeground(udid, bundleID)
	return c.backendFor(udid).Uninstall(ctx, udid, bundleID)
}

// foregroundBundle returns the bundle id of the last app we launched on a
// device. It scopes learned tap coordinates so identifiers from different
// apps on one device never share a cache entry.
func (c *Controller) foregroundBundle(udid string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bundles[udid]
}

func (c *Controller) clearForeground(udid, bundleID string) {
	c.mu.Lock()
	if c.bundles[udid] == bundleID {
		delete(c.bundles, udid)
	}
	c.mu.Unlock()
}

// ListApps enumerates installed apps.
func (c *Controller) ListApps(ctx context.Context, udid string) ([]InstalledApp, error) {
	return c.backendFor(udid).ListApps(ctx, udid)
}

// Screenshot captures the screen as PNG bytes.
func (c *Controller) Screenshot(ctx context.Context, udid string) ([]byte, error) {
	return c.backendFor(udid).Screenshot(ctx, udid)
}

// SetLocation overrides simulated location (simulator only).
func (c *Controller) SetLocation(ctx context.Context, udid string, lat, lon float64) error {
	return c.backendFor(udid).SetLocation(ctx, udid, lat, lon)
}

// GrantPermission grants a privacy permission (simulator only).
func (c *Controller) GrantPermission(ctx context.Context, udid, bundleID, permission string) error {
	return c.backendFor(udid).GrantPermission(ctx, udid, bundleID, permission)
}

// AddRootCert installs a root certificate into a simulator's trust store.
func (c *Controller) AddRootCert(ctx context.Context, udid, certPath string) error {
	return simctlBackend{}.AddRootCert(ctx, udid, certPath)
}

// UITree fetches (or serves from the short-TTL cache) the accessibility
// tree of a device.
func (c *Controller) UITree(ctx context.Context, udid string) (*model.UITree, error) {
	if t, ok := c.trees.get(udid); ok {
		return t, nil
	}
	var flat, err = c.ui.DescribeAll(ctx, udid)
	if err != nil {
		return nil, err
	}
	var tree = BuildTree(udid, flat)
	c.trees.put(udid, tree)
	return tree, nil
}

// Tap presses at a coordinate.
func (c *Controller) Tap(ctx context.Context, udid string, x, y float64) error {
	defer c.invalidate(udid)
	return c.ui.Tap(ctx, udid, x, y)
}

// Swipe drags between two coordinates.
func (c *Controller) Swipe(ctx context.Context, udid string, x0, y0, x1, y1, durationSec float64) error {
	defer c.invalidate(udid)
	return c.ui.Swipe(ctx, udid, x0, y0, x1, y1, durationSec)
}

// TypeText types into the focused control.
func (c *Controller) TypeText(ctx context.Context, udid, text string) error {
	defer c.invalidate(udid)
	return c.ui.TypeText(ctx, udid, text)
}

// ClearText clears the focused field via select-all then delete.
func (c *Controller) ClearText(ctx context.Context, udid string) error {
	defer c.invalidate(udid)
	return c.ui.ClearText(ctx, udid)
}

// PressButton pushes a hardware button.
func (c *Controller) PressButton(ctx context.Context, udid, button string) error {
	defer c.invalidate(udid)
	return c.ui.PressButton(ctx, udid, button)
}

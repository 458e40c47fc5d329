package device

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/tool"
)

// simctlBackend manages simulators via `xcrun simctl`.
type simctlBackend struct{}

// simctlList mirrors `simctl list devices --json`.
type simctlList struct {
	Devices map[string][]struct {
		UDID         string `json:"udid"`
		Name         string `json:"name"`
		State        string `json:"state"`
		IsAvailable  bool   `json:"isAvailable"`
		DeviceTypeID string `json:"deviceTypeIdentifier"`
	} `json:"devices"`
}

func (b simctlBackend) ListDevices(ctx context.Context) ([]model.Device, error) {
	var out, err = tool.Output(ctx, "xcrun", "simctl", "list", "devices", "--json")
	if err != nil {
		return nil, err
	}

	var list simctlList
	if err = json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("parsing simctl list: %w", err)
	}

	var devices []model.Device
	for runtime, group := range list.Devices {
		var osVersion = runtimeToOSVersion(runtime)
		for _, d := range group {
			devices = append(devices, model.Device{
				UDID:        d.UDID,
				Name:        d.Name,
				OSVersion:   osVersion,
				DeviceType:  model.TypeSimulator,
				State:       parseSimState(d.State),
				ClaimStatus: model.ClaimAvailable,
				IsAvailable: d.IsAvailable,
			})
		}
	}
	return devices, nil
}

// runtimeToOSVersion maps "com.apple.CoreSimulator.SimRuntime.iOS-18-2"
// to "iOS 18.2".
func runtimeToOSVersion(runtime string) string {
	var last = runtime
	if i := strings.LastIndexByte(runtime, '.'); i >= 0 {
		last = runtime[i+1:]
	}
	var parts = strings.Split(last, "-")
	if len(parts) < 2 {
		return last
	}
	return parts[0] + " " + strings.Join(parts[1:], ".")
}

func parseSimState(s string) model.DeviceState {
	switch strings.ToLower(s) {
	case "booted":
		return model.StateBooted
	case "booting":
		return model.StateBooting
	default:
		return model.StateShutdown
	}
}

func (b simctlBackend) Boot(ctx context.Context, udid string) error {
	var _, err = tool.Output(ctx, "xcrun", "simctl", "boot", udid)
	// Booting an already-booted simulator is not an error worth surfacing.
	if err != nil && strings.Contains(err.Error(), "current state: Booted") {
		return nil
	}
	return err
}

func (b simctlBackend) Shutdown(ctx context.Context, udid string) error {
	var _, err = tool.Output(ctx, "xcrun", "simctl", "shutdown", udid)
	return err
}

func (b simctlBackend) Install(ctx context.Context, udid, path string) error {
	if _, err := os.Stat(path); err != nil {
		return model.Errf(model.KindValidation, "app bundle %s: %v", path, err)
	}
	var _, err = tool.Output(ctx, "xcrun", "simctl", "install", udid, path)
	return err
}

func (b simctlBackend) Launch(ctx context.Context, udid, bundleID string) error {
	var _, err = tool.Output(ctx, "xcrun", "simctl", "launch", udid, bundleID)
	return err
}

func (b simctlBackend) Terminate(ctx context.Context, udid, bundleID string) error {
	var _, err = tool.Output(ctx, "xcrun", "simctl", "terminate", udid, bundleID)
	return err
}

func (b simctlBackend) Uninstall(ctx context.Context, udid, bundleID string) error {
	var _, err = tool.Output(ctx, "xcrun", "simctl", "uninstall", udid, bundleID)
	return err
}

// InstalledApp is one row of the app list.
type InstalledApp struct {
	BundleID string `json:"bundle_id"`
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"` // User or System
}

func (b simctlBackend) ListApps(ctx context.Context, udid string) ([]InstalledApp, error) {
	var out, err = tool.Output(ctx, "xcrun", "simctl", "listapps", udid, "--json")
	if err != nil {
		// Older Xcode emits plist only; degrade to the JSON-less call.
		out, err = tool.Output(ctx, "xcrun", "simctl", "listapps", udid)
		if err != nil {
			return nil, err
		}
	}
	return parseListApps(out), nil
}

// parseListApps accepts either JSON or the NeXTSTEP-plist shape simctl
// prints, extracting bundle ids and display names from both.
func parseListApps(out []byte) []InstalledApp {
	var asJSON map[string]struct {
		DisplayName string `json:"CFBundleDisplayName"`
		Name        string `json:"CFBundleName"`
		Type        string `json:"ApplicationType"`
	}
	if err := json.Unmarshal(out, &asJSON); err == nil {
		var apps []InstalledApp
		for bundle, info := range asJSON {
			var name = info.DisplayName
			if name == "" {
				name = info.Name
			}
			apps = append(apps, InstalledApp{BundleID: bundle, Name: name, Type: info.Type})
		}
		return apps
	}

	var apps []InstalledApp
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		// `"com.example.app" = {`
		if strings.HasSuffix(line, "=     {") || strings.HasSuffix(line, "= {") {
			var id = strings.Trim(strings.TrimSpace(strings.SplitN(line, "=", 2)[0]), `"`)
			if strings.Contains(id, ".") {
				apps = append(apps, InstalledApp{BundleID: id})
			}
		}
	}
	return apps
}

func (b simctlBackend) Screenshot(ctx context.Context, udid string) ([]byte, error) {
	var tmp, err = os.CreateTemp("", "quern-screenshot-*.png")
	if err != nil {
		return nil, err
	}
	var path = tmp.Name()
	_ = tmp.Close()
	defer os.Remove(path)

	if _, err = tool.Output(ctx, "xcrun", "simctl", "io", udid, "screenshot", path); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (b simctlBackend) SetLocation(ctx context.Context, udid string, lat, lon float64) error {
	var _, err = tool.Output(ctx, "xcrun", "simctl", "location", udid, "set",
		strconv.FormatFloat(lat, 'f', -1, 64)+","+strconv.FormatFloat(lon, 'f', -1, 64))
	return err
}

func (b simctlBackend) GrantPermission(ctx context.Context, udid, bundleID, permission string) error {
	var _, err = tool.Output(ctx, "xcrun", "simctl", "privacy", udid, "grant", permission, bundleID)
	return err
}

func (b simctlBackend) AddRootCert(ctx context.Context, udid, certPath string) error {
	var _, err = tool.Output(ctx, "xcrun", "simctl", "keychain", udid, "add-root-cert", certPath)
	return err
}

// TrustStorePath locates a simulator's trust-store database, the ground
// truth for certificate verification.
func TrustStorePath(udid string) string {
	var home, _ = os.UserHomeDir()
	return filepath.Join(home, "Library", "Developer", "CoreSimulator", "Devices",
		udid, "data", "Library", "Keychains", "TrustStore.sqlite3")
}

// BootAndWait boots the simulator then polls the device list until it
// reports booted or the timeout passes.
func (b simctlBackend) BootAndWait(ctx context.Context, udid string, timeout time.Duration) error {
	if err := b.Boot(ctx, udid); err != nil {
		return err
	}

	var deadline = time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var devices, err = b.ListDevices(ctx)
		if err != nil {
			return err
		}
		for _, d := range devices {
			if d.UDID == udid && d.State == model.StateBooted {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return model.ToolErrf(model.KindTimeout, "simctl",
		"device %s did not boot within %s", udid, timeout)
}

package device

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/tool"
)

// devicectlBackend manages physical devices via `xcrun devicectl`. The
// simulator-only operations (boot, shutdown, location, permissions) are
// errors here by contract.
type devicectlBackend struct{}

// devicectlList mirrors the relevant subset of devicectl's JSON output.
type devicectlList struct {
	Result struct {
		Devices []struct {
			Identifier       string `json:"identifier"`
			DeviceProperties struct {
				Name      string `json:"name"`
				OSVersion string `json:"osVersionNumber"`
			} `json:"deviceProperties"`
			ConnectionProperties struct {
				TunnelState string `json:"tunnelState"`
			} `json:"connectionProperties"`
		} `json:"devices"`
	} `json:"result"`
}

func (b devicectlBackend) ListDevices(ctx context.Context) ([]model.Device, error) {
	// devicectl writes JSON to a file rather than stdout.
	var tmp, err = os.CreateTemp("", "quern-devicectl-*.json")
	if err != nil {
		return nil, err
	}
	var path = tmp.Name()
	_ = tmp.Close()
	defer os.Remove(path)

	if _, err = tool.Output(ctx, "xcrun", "devicectl", "list", "devices", "--json-output", path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var list devicectlList
	if err = json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parsing devicectl list: %w", err)
	}

	var devices []model.Device
	for _, d := range list.Result.Devices {
		var state = model.StateShutdown
		if d.ConnectionProperties.TunnelState == "connected" {
			state = model.StateBooted
		}
		devices = append(devices, model.Device{
			UDID:        d.Identifier,
			Name:        d.DeviceProperties.Name,
			OSVersion:   "iOS " + d.DeviceProperties.OSVersion,
			DeviceType:  model.TypeDevice,
			State:       state,
			ClaimStatus: model.ClaimAvailable,
			IsAvailable: state == model.StateBooted,
		})
	}
	return devices, nil
}

func simulatorOnly(op string) error {
	return model.ToolErrf(model.KindValidation, "devicectl",
		"%s is a simulator-only operation; physical devices cannot be %s remotely", op, op)
}

func (b devicectlBackend) Boot(ctx context.Context, udid string) error {
	return simulatorOnly("boot")
}

func (b devicectlBackend) Shutdown(ctx context.Context, udid string) error {
	return simulatorOnly("shutdown")
}

func (b devicectlBackend) Install(ctx context.Context, udid, path string) error {
	if _, err := os.Stat(path); err != nil {
		return model.Errf(model.KindValidation, "app bundle %s: %v", path, err)
	}
	var _, err = tool.Output(ctx, "xcrun", "devicectl", "device", "install", "app",
		"--device", udid, path)
	return err
}

func (b devicectlBackend) Launch(ctx context.Context, udid, bundleID string) error {
	var _, err = tool.Output(ctx, "xcrun", "devicectl", "device", "process", "launch",
		"--device", udid, bundleID)
	return err
}

func (b devicectlBackend) Terminate(ctx context.Context, udid, bundleID string) error {
	var _, err = tool.Output(ctx, "xcrun", "devicectl", "device", "process", "terminate",
		"--device", udid, bundleID)
	return err
}

func (b devicectlBackend) Uninstall(ctx context.Context, udid, bundleID string) error {
	var _, err = tool.Output(ctx, "xcrun", "devicectl", "device", "uninstall", "app",
		"--device", udid, bundleID)
	return err
}

func (b devicectlBackend) ListApps(ctx context.Context, udid string) ([]InstalledApp, error) {
	var tmp, err = os.CreateTemp("", "quern-devicectl-apps-*.json")
	if err != nil {
		return nil, err
	}
	var path = tmp.Name()
	_ = tmp.Close()
	defer os.Remove(path)

	if _, err = tool.Output(ctx, "xcrun", "devicectl", "device", "info", "apps",
		"--device", udid, "--json-output", path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Result struct {
			Apps []struct {
				BundleID string `json:"bundleIdentifier"`
				Name     string `json:"name"`
			} `json:"apps"`
		} `json:"result"`
	}
	if err = json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing devicectl apps: %w", err)
	}

	var apps []InstalledApp
	for _, a := range parsed.Result.Apps {
		apps = append(apps, InstalledApp{BundleID: a.BundleID, Name: a.Name})
	}
	return apps, nil
}

func (b devicectlBackend) Screenshot(ctx context.Context, udid string) ([]byte, error) {
	var tmp, err = os.CreateTemp("", "quern-screenshot-*.png")
	if err != nil {
		return nil, err
	}
	var path = tmp.Name()
	_ = tmp.Close()
	defer os.Remove(path)

	if _, err = tool.Output(ctx, "xcrun", "devicectl", "device", "screenshot",
		"--device", udid, path); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (b devicectlBackend) SetLocation(ctx context.Context, udid string, lat, lon float64) error {
	return simulatorOnly("location override")
}

func (b devicectlBackend) GrantPermission(ctx context.Context, udid, bundleID, permission string) error {
	return simulatorOnly("permission grant")
}

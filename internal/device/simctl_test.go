package device

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/model"
)

func TestRuntimeToOSVersion(t *testing.T) {
	require.Equal(t, "iOS 18.2", runtimeToOSVersion("com.apple.CoreSimulator.SimRuntime.iOS-18-2"))
	require.Equal(t, "iOS 17.0.1", runtimeToOSVersion("com.apple.CoreSimulator.SimRuntime.iOS-17-0-1"))
	require.Equal(t, "watchOS 11.0", runtimeToOSVersion("com.apple.CoreSimulator.SimRuntime.watchOS-11-0"))
	require.Equal(t, "weird", runtimeToOSVersion("weird"))
}

func TestParseSimState(t *testing.T) {
	require.Equal(t, model.StateBooted, parseSimState("Booted"))
	require.Equal(t, model.StateBooting, parseSimState("Booting"))
	require.Equal(t, model.StateShutdown, parseSimState("Shutdown"))
	require.Equal(t, model.StateShutdown, parseSimState("Creating"))
}

func TestParseListAppsJSON(t *testing.T) {
	const out = `{
		"com.example.app": {"CFBundleDisplayName": "Example", "ApplicationType": "User"},
		"com.apple.mobilesafari": {"CFBundleName": "MobileSafari", "ApplicationType": "System"}
	}`
	var apps = parseListApps([]byte(out))
	require.Len(t, apps, 2)

	var byID = map[string]InstalledApp{}
	for _, a := range apps {
		byID[a.BundleID] = a
	}
	require.Equal(t, "Example", byID["com.example.app"].Name)
	require.Equal(t, "MobileSafari", byID["com.apple.mobilesafari"].Name)
}

func TestParseListAppsPlistFallback(t *testing.T) {
	const out = `{
    "com.example.app" =     {
        ApplicationType = User;
    };
}`
	var apps = parseListApps([]byte(out))
	require.Len(t, apps, 1)
	require.Equal(t, "com.example.app", apps[0].BundleID)
}

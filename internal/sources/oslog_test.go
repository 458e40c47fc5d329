package sources

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/model"
)

func TestOSLogParseLine(t *testing.T) {
	var a = &OSLogAdapter{UDID: "SIM-1", Source: model.SourceSimulator}

	var e, ok = a.parseLine(`{"eventType":"logEvent","eventMessage":"Network request completed","messageType":"Default","timestamp":"2026-03-01 12:00:00.123456+0000","subsystem":"com.example.app","category":"networking","processImagePath":"/Containers/MyApp.app/MyApp","processID":4242}`)
	require.True(t, ok)
	require.Equal(t, model.SourceSimulator, e.Source)
	require.Equal(t, "SIM-1", e.DeviceID)
	require.Equal(t, "MyApp", e.Process)
	require.Equal(t, 4242, e.PID)
	require.Equal(t, "com.example.app", e.Subsystem)
	require.Equal(t, "networking", e.Category)
	require.Equal(t, model.LevelInfo, e.Level) // "Default" maps to info
	require.Equal(t, "Network request completed", e.Message)
	require.Equal(t, 2026, e.Timestamp.Year())
}

func TestOSLogParseLineSkipsNonLogEvents(t *testing.T) {
	var a = &OSLogAdapter{}

	var _, ok = a.parseLine(`{"eventType":"stateEvent","eventMessage":"state dump"}`)
	require.False(t, ok)

	_, ok = a.parseLine(`{"eventType":"logEvent","eventMessage":""}`)
	require.False(t, ok)

	_, ok = a.parseLine(`not json at all`)
	require.False(t, ok)
}

func TestOSLogPredicateAssembly(t *testing.T) {
	// Bundle-id filters match by subsystem prefix: apps log under
	// sub-subsystems like com.example.app.networking, not the bundle id.
	var a = &OSLogAdapter{BundleID: "com.example.app"}
	require.Equal(t, `subsystem BEGINSWITH "com.example.app"`, a.predicate())

	a = &OSLogAdapter{BundleID: "com.example.app", Subsystem: "networking"}
	require.Equal(t, `subsystem BEGINSWITH "com.example.app" AND subsystem == "networking"`, a.predicate())

	a = &OSLogAdapter{Predicate: `process == "MyApp"`, BundleID: "ignored"}
	require.Equal(t, `process == "MyApp"`, a.predicate())
}

func TestRegistryLifecycle(t *testing.T) {
	var r = NewRegistry()
	var a = &SyslogAdapter{UDID: "DEV-1"}
	r.Add(a)

	var got, ok = r.Get("syslog:DEV-1")
	require.True(t, ok)
	require.Equal(t, a, got)

	var statuses = r.Statuses()
	require.Len(t, statuses, 1)
	require.Equal(t, "syslog:DEV-1", statuses[0].Name)

	_, ok = r.Remove("syslog:DEV-1")
	require.True(t, ok)
	_, ok = r.Get("syslog:DEV-1")
	require.False(t, ok)
}

package daemon

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/proxy"
)

func TestFindFreePortSkipsBoundPorts(t *testing.T) {
	var ln, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	var bound = ln.Addr().(*net.TCPAddr).Port

	port, err := FindFreePort(bound)
	require.NoError(t, err)
	require.NotEqual(t, bound, port)
	require.Greater(t, port, bound)
}

func TestFindFreePortHonorsTakenList(t *testing.T) {
	var port, err = FindFreePort(40000, 40000, 40001)
	require.NoError(t, err)
	require.GreaterOrEqual(t, port, 40002)
}

func TestStateFileRoundTrip(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "state.json")

	var missing, err = LoadState(path)
	require.NoError(t, err)
	require.Nil(t, missing)

	var state = &StateFile{
		PID:                   1234,
		ServerPort:            9100,
		ProxyPort:             9101,
		Version:               "test",
		StartedAt:             time.Now().UTC().Truncate(time.Second),
		ProxyState:            "running",
		SystemProxyConfigured: true,
		SystemProxySnapshot: &proxy.Snapshot{
			Service: "Wi-Fi",
			HTTP:    proxy.ProxySetting{Enabled: false},
		},
	}
	require.NoError(t, SaveState(path, state))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadState(path)
	require.NoError(t, err)
	require.Equal(t, state.PID, loaded.PID)
	require.Equal(t, state.ProxyPort, loaded.ProxyPort)
	require.True(t, loaded.SystemProxyConfigured)
	require.Equal(t, "Wi-Fi", loaded.SystemProxySnapshot.Service)

	require.NoError(t, RemoveState(path))
	require.NoError(t, RemoveState(path)) // idempotent
}

func TestSaveStateShrinksFile(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, SaveState(path, &StateFile{
		Version: strings.Repeat("long", 100),
	}))
	require.NoError(t, SaveState(path, &StateFile{Version: "short"}))

	var loaded, err = LoadState(path)
	require.NoError(t, err)
	require.Equal(t, "short", loaded.Version)
}

func TestRotatingWriterRotates(t *testing.T) {
	var dir = t.TempDir()
	var path = filepath.Join(dir, "daemon.log")

	var w, err = OpenRotatingWriter(path)
	require.NoError(t, err)
	defer w.Close()

	var chunk = make([]byte, 1<<20)
	for i := range chunk {
		chunk[i] = 'x'
	}
	// 11 MB total crosses the 10 MB threshold once.
	for i := 0; i < 11; i++ {
		_, err = w.Write(chunk)
		require.NoError(t, err)
	}

	_, err = os.Stat(path + ".1")
	require.NoError(t, err, "expected a rotated generation")

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Less(t, info.Size(), int64(rotateAt))
}

func TestRotatingWriterSurvivesRotationFailure(t *testing.T) {
	var dir = t.TempDir()
	var path = filepath.Join(dir, "daemon.log")

	// Block the whole rename chain: both rotated generations are occupied
	// by non-empty directories, so daemon.log cannot be shifted aside.
	for _, gen := range []string{path + ".1", path + ".2"} {
		require.NoError(t, os.Mkdir(gen, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(gen, "occupied"), []byte("x"), 0o644))
	}

	var w, err = OpenRotatingWriter(path)
	require.NoError(t, err)
	defer w.Close()

	var chunk = make([]byte, 1<<20)
	for i := 0; i < 11; i++ {
		_, err = w.Write(chunk)
		require.NoError(t, err)
	}

	// Rotation keeps failing, but the writer must keep accepting entries
	// into the oversized file rather than wedge on a dead handle.
	_, err = w.Write(chunk)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(rotateAt))
}

func TestAPIKeyStableAcrossLoads(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "api-key")

	var first, err = LoadOrCreateAPIKey(path)
	require.NoError(t, err)
	require.Len(t, first, 64)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateAPIKey(path)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

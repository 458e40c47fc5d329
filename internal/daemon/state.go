// Package daemon owns process lifecycle: the state file, port selection,
// daemonization, log rotation, signal teardown, and crash recovery of the
// system proxy.
package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quernlabs/quern/internal/proxy"
)

// StateFile is the on-disk record of a running daemon, written 0600 under
// an exclusive advisory lock. Readers take a shared lock for the duration
// of one parse.
type StateFile struct {
	PID                   int             `json:"pid"`
	ServerPort            int             `json:"server_port"`
	ProxyPort             int             `json:"proxy_port"`
	Version               string          `json:"version"`
	StartedAt             time.Time       `json:"started_at"`
	ProxyState            string          `json:"proxy_state"`
	SystemProxyConfigured bool            `json:"system_proxy_configured"`
	SystemProxySnapshot   *proxy.Snapshot `json:"system_proxy_snapshot,omitempty"`
}

// ConfigDir is where quern keeps its state, key, pool, and logs.
func ConfigDir() string {
	var home, err = os.UserHomeDir()
	if err != nil {
		return ".quern"
	}
	return filepath.Join(home, ".quern")
}

func StatePath() string   { return filepath.Join(ConfigDir(), "state.json") }
func PoolPath() string    { return filepath.Join(ConfigDir(), "device-pool.json") }
func APIKeyPath() string  { return filepath.Join(ConfigDir(), "api-key") }
func LogPath() string     { return filepath.Join(ConfigDir(), "daemon.log") }
func MitmConfDir() string { return filepath.Join(ConfigDir(), "mitmproxy") }
func SpoolPath() string   { return filepath.Join(ConfigDir(), "crashes.sqlite") }

type lockedFile struct {
	f *os.File
}

func lockFile(path string, exclusive bool) (*lockedFile, error) {
	var f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	var how = syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
	}
	if err = syscall.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &lockedFile{f: f}, nil
}

func (l *lockedFile) unlock() {
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	_ = l.f.Close()
}

// LoadState reads the state file under a shared lock. A missing file
// returns (nil, nil).
func LoadState(path string) (*StateFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var lf, err = lockFile(path, false)
	if err != nil {
		return nil, err
	}
	defer lf.unlock()

	data, err := io.ReadAll(lf.f)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var state StateFile
	if err = json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &state, nil
}

// SaveState writes the state file under an exclusive lock.
func SaveState(path string, state *StateFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var lf, err = lockFile(path, true)
	if err != nil {
		return err
	}
	defer lf.unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err = lf.f.Truncate(0); err != nil {
		return err
	}
	if _, err = lf.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err = lf.f.Write(append(data, '\n'))
	return err
}

// RemoveState deletes the state file. Missing is not an error.
func RemoveState(path string) error {
	var err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

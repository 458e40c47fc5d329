// Package tool finds and drives the external binaries Quern depends on:
// xcrun/simctl, devicectl, idb, mitmdump, networksetup, idevicesyslog.
// One-shot invocations return captured output; long-lived invocations
// return a Process handle with line-delimited stdout and robust teardown.
package tool

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/quernlabs/quern/internal/model"
)

// Locate finds the full path of a binary by looking first alongside the
// currently executing binary, and only then on $PATH. A missing binary is
// reported as KindToolMissing so callers can degrade instead of failing.
func Locate(binary string) (string, error) {
	var execPath, err = os.Executable()
	if err == nil {
		var path = filepath.Join(filepath.Dir(execPath), binary)
		if _, err = os.Stat(path); err == nil {
			return path, nil
		}
	}

	path, err := exec.LookPath(binary)
	if err != nil {
		return "", &model.Error{
			Kind:    model.KindToolMissing,
			Tool:    binary,
			Message: fmt.Sprintf("%s not found on PATH", binary),
			Hint:    installHint(binary),
			Err:     err,
		}
	}
	return path, nil
}

func installHint(binary string) string {
	switch binary {
	case "idb":
		return "pip install fb-idb, and brew install idb-companion"
	case "mitmdump":
		return "brew install mitmproxy"
	case "idevicesyslog":
		return "brew install libimobiledevice"
	case "xcrun", "simctl", "devicectl", "xcodebuild":
		return "install Xcode and its command line tools"
	default:
		return ""
	}
}

// Available reports whether a binary can currently be located. Results are
// memoized for the life of the process; tool installation mid-run requires
// a server restart to be noticed, which is acceptable for capability flags.
func Available(binary string) bool {
	availMu.Lock()
	defer availMu.Unlock()

	if ok, cached := availCache[binary]; cached {
		return ok
	}
	var _, err = Locate(binary)
	availCache[binary] = err == nil
	return err == nil
}

var (
	availMu    sync.Mutex
	availCache = make(map[string]bool)
)

// IsMissing reports whether err represents an absent binary rather than a
// failed invocation of a present one.
func IsMissing(err error) bool {
	var e *model.Error
	return errors.As(err, &e) && e.Kind == model.KindToolMissing
}

package proxy

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/nsf/jsondiff"
	log "github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/tool"
)

// ProxySetting is one protocol's proxy configuration on a network service.
type ProxySetting struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
}

// Snapshot is the host proxy configuration captured before we reconfigure
// it. It is persisted in the daemon state file so a crashed daemon's
// successor can restore it.
type Snapshot struct {
	Service string       `json:"service"`
	HTTP    ProxySetting `json:"http"`
	HTTPS   ProxySetting `json:"https"`
}

// SystemProxy reconfigures the host's network-service proxy via
// networksetup, always snapshotting first.
type SystemProxy struct {
	mu         sync.Mutex
	snapshot   *Snapshot
	applied    *Snapshot // what Configure set; the expected state at Restore
	configured bool
}

func NewSystemProxy() *SystemProxy { return &SystemProxy{} }

// Configured reports whether we currently own the host proxy settings.
func (s *SystemProxy) Configured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configured
}

// CurrentSnapshot returns the captured pre-configuration state, if any.
func (s *SystemProxy) CurrentSnapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// AdoptSnapshot installs a snapshot recovered from a previous run's state
// file, so Restore can undo a crashed daemon's configuration.
func (s *SystemProxy) AdoptSnapshot(snap *Snapshot) {
	s.mu.Lock()
	s.snapshot = snap
	s.applied = nil // the crashed run's interceptor port is unknown
	s.configured = snap != nil
	s.mu.Unlock()
}

// activeService returns the first enabled network service. Disabled
// services are prefixed with an asterisk in networksetup output.
func activeService(ctx context.Context) (string, error) {
	var out, err = tool.Output(ctx, "networksetup", "-listallnetworkservices")
	if err != nil {
		return "", err
	}
	for i, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if i == 0 || line == "" || strings.HasPrefix(line, "*") {
			continue // first line is a legend
		}
		return line, nil
	}
	return "", model.Errf(model.KindInternal, "no enabled network service found")
}

// readSetting parses `networksetup -getwebproxy` style output.
func readSetting(out []byte) ProxySetting {
	var s ProxySetting
	for _, line := range strings.Split(string(out), "\n") {
		var key, value, ok = strings.Cut(strings.TrimSpace(line), ": ")
		if !ok {
			continue
		}
		switch key {
		case "Enabled":
			s.Enabled = value == "Yes"
		case "Server":
			s.Host = value
		case "Port":
			s.Port, _ = strconv.Atoi(value)
		}
	}
	return s
}

// TakeSnapshot captures the current configuration of the active service.
func (s *SystemProxy) TakeSnapshot(ctx context.Context) (*Snapshot, error) {
	service, err := activeService(ctx)
	if err != nil {
		return nil, err
	}

	httpOut, err := tool.Output(ctx, "networksetup", "-getwebproxy", service)
	if err != nil {
		return nil, err
	}
	httpsOut, err := tool.Output(ctx, "networksetup", "-getsecurewebproxy", service)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Service: service,
		HTTP:    readSetting(httpOut),
		HTTPS:   readSetting(httpsOut),
	}, nil
}

// Configure points the host's HTTP and HTTPS proxies at the interceptor,
// snapshotting the prior state first. Configuring twice is a conflict: the
// first snapshot would be lost.
func (s *SystemProxy) Configure(ctx context.Context, host string, port int) (*Snapshot, error) {
	s.mu.Lock()
	if s.configured {
		s.mu.Unlock()
		return nil, model.Errf(model.KindConflict, "system proxy is already configured")
	}
	s.mu.Unlock()

	snap, err := s.TakeSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	var portArg = strconv.Itoa(port)
	if _, err = tool.Output(ctx, "networksetup", "-setwebproxy", snap.Service, host, portArg); err != nil {
		return nil, err
	}
	if _, err = tool.Output(ctx, "networksetup", "-setsecurewebproxy", snap.Service, host, portArg); err != nil {
		// Try to undo the half-applied HTTP setting before surfacing.
		s.applySetting(ctx, snap.Service, "web", snap.HTTP)
		return nil, err
	}

	var setting = ProxySetting{Enabled: true, Host: host, Port: port}
	s.mu.Lock()
	s.snapshot = snap
	s.applied = &Snapshot{Service: snap.Service, HTTP: setting, HTTPS: setting}
	s.configured = true
	s.mu.Unlock()

	log.WithFields(log.Fields{"service": snap.Service, "host": host, "port": port}).
		Info("system proxy configured")
	return snap, nil
}

func (s *SystemProxy) applySetting(ctx context.Context, service, proto string, setting ProxySetting) {
	if setting.Enabled && setting.Host != "" {
		_, _ = tool.Output(ctx, "networksetup", "-set"+proto+"proxy",
			service, setting.Host, strconv.Itoa(setting.Port))
		_, _ = tool.Output(ctx, "networksetup", "-set"+proto+"proxystate", service, "on")
	} else {
		_, _ = tool.Output(ctx, "networksetup", "-set"+proto+"proxystate", service, "off")
	}
}

// detectDrift diffs the live settings against what Configure applied. A
// full match means nobody touched the proxy since we set it.
func detectDrift(current, applied *Snapshot) (string, bool) {
	var got, _ = json.Marshal(current)
	var expect, _ = json.Marshal(applied)
	var opts = jsondiff.DefaultConsoleOptions()
	var diff, detail = jsondiff.Compare(got, expect, &opts)
	return detail, diff != jsondiff.FullMatch
}

// Restore puts the snapshot back unconditionally, even if someone else
// changed the settings since we configured them: a stale interceptor proxy
// is strictly worse than clobbering a manual tweak. Drift is detected and
// logged so the operator knows.
func (s *SystemProxy) Restore(ctx context.Context) error {
	s.mu.Lock()
	var snap, applied = s.snapshot, s.applied
	s.mu.Unlock()
	if snap == nil {
		return nil
	}

	// Drift means a third party changed the settings after Configure: the
	// live state no longer matches what we applied. Warn with the delta but
	// restore anyway. Adopted snapshots carry no applied state to check.
	if applied != nil {
		if current, err := s.TakeSnapshot(ctx); err == nil && current.Service == snap.Service {
			if detail, drifted := detectDrift(current, applied); drifted {
				log.WithField("diff", detail).Warn("system proxy drifted since configure; restoring anyway")
			}
		}
	}

	s.applySetting(ctx, snap.Service, "web", snap.HTTP)
	s.applySetting(ctx, snap.Service, "secureweb", snap.HTTPS)

	s.mu.Lock()
	s.snapshot = nil
	s.applied = nil
	s.configured = false
	s.mu.Unlock()

	log.WithField("service", snap.Service).Info("system proxy restored")
	return nil
}

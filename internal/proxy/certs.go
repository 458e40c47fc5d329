package proxy

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/internal/device"
	"github.com/quernlabs/quern/internal/model"
)

// certSubjectMarker appears in the DER subject of the interceptor's CA.
var certSubjectMarker = []byte("mitmproxy")

// CertStatus is one simulator's trust-store verdict.
type CertStatus string

const (
	CertInstalled    CertStatus = "installed"
	CertNotInstalled CertStatus = "not_installed"
	CertNeverBooted  CertStatus = "never_booted"
	CertError        CertStatus = "error"
)

// CertResult is the per-device outcome of a verification pass.
type CertResult struct {
	UDID   string     `json:"udid"`
	Name   string     `json:"name"`
	Status CertStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
}

// CertReport aggregates a verification pass. ErasedDevices lists udids
// where a previously observed cert is now missing, which almost always
// means the simulator was erased.
type CertReport struct {
	Results       []CertResult `json:"results"`
	ErasedDevices []string     `json:"erased_devices,omitempty"`
}

// CertManager verifies and installs the interceptor CA on simulators. The
// trust-store database is queried directly: ground truth, not a probe.
type CertManager struct {
	ConfigDir string // mitmproxy confdir; the CA pem lives here
	Devices   *device.Controller

	mu        sync.Mutex
	installed map[string]bool // udids where a cert was last seen installed
}

func NewCertManager(configDir string, devices *device.Controller) *CertManager {
	return &CertManager{ConfigDir: configDir, Devices: devices, installed: make(map[string]bool)}
}

// CertPath is where mitmdump writes its CA certificate on first run.
func (c *CertManager) CertPath() string {
	return filepath.Join(c.ConfigDir, "mitmproxy-ca-cert.pem")
}

// CertPEM reads the CA certificate, for serving to a device's browser.
func (c *CertManager) CertPEM() ([]byte, error) {
	var data, err = os.ReadFile(c.CertPath())
	if os.IsNotExist(err) {
		return nil, model.ToolErrf(model.KindNotFound, "mitm",
			"no CA certificate yet; start the proxy once to generate it")
	}
	return data, err
}

// Verify checks each matching simulator's trust store.
func (c *CertManager) Verify(ctx context.Context, stateFilter model.DeviceState) (*CertReport, error) {
	devices, err := c.Devices.ListDevicesFiltered(ctx, stateFilter, model.TypeSimulator)
	if err != nil {
		return nil, err
	}

	var report = &CertReport{}
	for _, d := range devices {
		var result = CertResult{UDID: d.UDID, Name: d.Name}
		result.Status, result.Detail = c.verifyOne(d.UDID)

		c.mu.Lock()
		if c.installed[d.UDID] && result.Status == CertNotInstalled {
			report.ErasedDevices = append(report.ErasedDevices, d.UDID)
		}
		c.installed[d.UDID] = result.Status == CertInstalled
		c.mu.Unlock()

		report.Results = append(report.Results, result)
	}
	return report, nil
}

// verifyOne inspects one simulator's TrustStore.sqlite3.
func (c *CertManager) verifyOne(udid string) (CertStatus, string) {
	var path = device.TrustStorePath(udid)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CertNeverBooted, "trust store does not exist"
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return CertError, err.Error()
	}
	defer db.Close()

	rows, err := db.Query(`SELECT subj FROM tsettings`)
	if err != nil {
		return CertError, err.Error()
	}
	defer rows.Close()

	for rows.Next() {
		var subj []byte
		if err = rows.Scan(&subj); err != nil {
			return CertError, err.Error()
		}
		if bytes.Contains(subj, certSubjectMarker) {
			return CertInstalled, ""
		}
	}
	if err = rows.Err(); err != nil {
		return CertError, err.Error()
	}
	return CertNotInstalled, ""
}

// Install pushes the CA certificate into a simulator's keychain. Physical
// devices need the UI-driven flow from the setup guide.
func (c *CertManager) Install(ctx context.Context, udid string) error {
	if _, err := os.Stat(c.CertPath()); os.IsNotExist(err) {
		return model.ToolErrf(model.KindNotFound, "mitm",
			"no CA certificate yet; start the proxy once to generate it")
	}
	if err := c.Devices.AddRootCert(ctx, udid, c.CertPath()); err != nil {
		return err
	}
	c.mu.Lock()
	c.installed[udid] = true
	c.mu.Unlock()
	log.WithField("udid", udid).Info("proxy CA installed")
	return nil
}

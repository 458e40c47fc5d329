package model

import (
	"strings"
	"time"
)

// DeviceType distinguishes simulators from physical devices.
type DeviceType string

const (
	TypeSimulator DeviceType = "simulator"
	TypeDevice    DeviceType = "device"
)

// DeviceState is the boot state as reported by the management tool.
type DeviceState string

const (
	StateBooted   DeviceState = "booted"
	StateShutdown DeviceState = "shutdown"
	StateBooting  DeviceState = "booting"
)

// ClaimStatus is the pool-side availability of a device.
type ClaimStatus string

const (
	ClaimAvailable ClaimStatus = "available"
	ClaimClaimed   ClaimStatus = "claimed"
)

// Device is one simulator or physical device known to the pool.
// Invariant: ClaimedBy is non-empty iff ClaimStatus == ClaimClaimed.
type Device struct {
	UDID        string      `json:"udid"`
	Name        string      `json:"name"`
	OSVersion   string      `json:"os_version"`
	DeviceType  DeviceType  `json:"device_type"`
	State       DeviceState `json:"state"`
	ClaimStatus ClaimStatus `json:"claim_status"`
	ClaimedBy   string      `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time  `json:"claimed_at,omitempty"`
	LastUsed    *time.Time  `json:"last_used,omitempty"`
	IsAvailable bool        `json:"is_available"`
	Tags        []string    `json:"tags,omitempty"`
}

// OSVersionNumber returns the numeric prefix of OSVersion: "iOS 18.2" -> "18.2".
func (d Device) OSVersionNumber() string {
	var s = d.OSVersion
	if i := strings.LastIndexByte(s, ' '); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// MatchesOSVersion implements prefix matching on the numeric component:
// "18" matches "iOS 18.0" and "iOS 18.2"; "18.2" matches "iOS 18.2" only.
func (d Device) MatchesOSVersion(want string) bool {
	if want == "" {
		return true
	}
	var have = d.OSVersionNumber()
	if have == want {
		return true
	}
	return strings.HasPrefix(have, want+".")
}

// MatchesName is a case-insensitive substring match.
func (d Device) MatchesName(want string) bool {
	if want == "" {
		return true
	}
	return strings.Contains(strings.ToLower(d.Name), strings.ToLower(want))
}

// HasTags is true when every requested tag is present on the device.
func (d Device) HasTags(want []string) bool {
	for _, w := range want {
		var found bool
		for _, t := range d.Tags {
			if t == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

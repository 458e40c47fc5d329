package pool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quernlabs/quern/internal/model"
)

const (
	bootTimeout  = 30 * time.Second
	waitInterval = time.Second
)

// Criteria narrows resolution to matching devices.
type Criteria struct {
	UDID       string
	Name       string
	OSVersion  string
	DeviceType model.DeviceType
	Tags       []string
}

func (c Criteria) matches(d model.Device) bool {
	if !d.IsAvailable {
		return false
	}
	if c.DeviceType != "" && d.DeviceType != c.DeviceType {
		return false
	}
	return d.MatchesName(c.Name) && d.MatchesOSVersion(c.OSVersion) && d.HasTags(c.Tags)
}

// ResolveRequest is the full resolution contract.
type ResolveRequest struct {
	Criteria
	AutoBoot    bool
	WaitIfBusy  bool
	WaitTimeout time.Duration
	SessionID   string // when set, the resolved device is claimed
}

// Resolve picks a single udid per the resolution order:
// explicit udid, then booted+unclaimed, then shutdown+unclaimed with
// auto-boot, then claimed devices when wait_if_busy is set. Resolution and
// claim happen under one exclusive lock acquisition so concurrent resolvers
// cannot double-claim.
func (p *Pool) Resolve(ctx context.Context, req ResolveRequest) (string, error) {
	if req.UDID != "" {
		return p.resolveExplicit(req)
	}

	var deadline time.Time
	if req.WaitIfBusy {
		if req.WaitTimeout <= 0 {
			req.WaitTimeout = 60 * time.Second
		}
		deadline = time.Now().Add(req.WaitTimeout)
	}

	for {
		var udid, needsBoot, err = p.tryResolve(req)
		if err == nil {
			if needsBoot {
				if err = p.boot(udid); err != nil {
					return "", err
				}
			}
			return udid, nil
		}

		// Only wait on "everything is claimed"; other diagnostics are final.
		if !req.WaitIfBusy || model.KindOf(err) != model.KindConflict {
			return "", err
		}
		var remaining = time.Until(deadline)
		if remaining <= 0 {
			return "", model.ToolErrf(model.KindTimeout, "pool",
				"timed out after %s waiting for a matching device to be released", req.WaitTimeout)
		}

		// Each iteration re-reads both the tool (booted elsewhere?) and the
		// pool file (released cross-process?). Sleep respects short budgets.
		var sleep = waitInterval
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(sleep):
		}
		p.Refresh()
	}
}

func (p *Pool) resolveExplicit(req ResolveRequest) (string, error) {
	var out string
	var err = p.withExclusive(func(state *fileState, devices []model.Device) error {
		if !deviceExists(devices, req.UDID) {
			return model.ToolErrf(model.KindNotFound, "pool", "unknown device %s", req.UDID)
		}
		var e = ensureEntry(state, req.UDID)
		// Claim state only matters when the caller identifies a session.
		if req.SessionID != "" {
			if e.ClaimedBy != "" && e.ClaimedBy != req.SessionID {
				return model.ToolErrf(model.KindConflict, "pool",
					"device %s already claimed by %s", req.UDID, e.ClaimedBy)
			}
			var now = time.Now().UTC()
			e.ClaimedBy, e.ClaimedAt, e.LastUsed = req.SessionID, &now, &now
		}
		out = req.UDID
		return nil
	})
	return out, err
}

// tryResolve makes one pass over the candidates under the exclusive lock.
// needsBoot is set when the selected device must be booted by the caller.
func (p *Pool) tryResolve(req ResolveRequest) (udid string, needsBoot bool, err error) {
	err = p.withExclusive(func(state *fileState, devices []model.Device) error {
		var matching []model.Device
		for _, d := range devices {
			if e, ok := state.Devices[d.UDID]; ok {
				if e.ClaimedBy != "" {
					d.ClaimStatus, d.ClaimedBy = model.ClaimClaimed, e.ClaimedBy
				}
				d.LastUsed = e.LastUsed
				d.Tags = append(d.Tags, e.Tags...)
			}
			if req.matches(d) {
				matching = append(matching, d)
			}
		}
		if len(matching) == 0 {
			return p.diagnose(req, devices)
		}

		rank(matching)

		for _, d := range matching {
			var claimed = d.ClaimedBy != "" && d.ClaimedBy != req.SessionID
			var booted = d.State == model.StateBooted

			switch {
			case booted && !claimed:
				// Immediate.
			case !booted && !claimed && req.AutoBoot:
				needsBoot = true
			default:
				continue
			}

			if req.SessionID != "" {
				var e = ensureEntry(state, d.UDID)
				var now = time.Now().UTC()
				e.ClaimedBy, e.ClaimedAt, e.LastUsed = req.SessionID, &now, &now
			}
			udid = d.UDID
			return nil
		}

		// Matching devices exist but none usable now; classify for the
		// caller (wait loop keys off KindConflict).
		var allShutdown = true
		for _, d := range matching {
			if d.State == model.StateBooted {
				allShutdown = false
				break
			}
		}
		if allShutdown && !req.AutoBoot {
			var names []string
			for _, d := range matching {
				names = append(names, d.Name)
			}
			return model.ToolErrf(model.KindNotFound, "pool",
				"matching devices are all shutdown and auto_boot is false: %s", strings.Join(names, ", "))
		}
		var claimants []string
		for _, d := range matching {
			if d.ClaimedBy != "" {
				claimants = append(claimants, fmt.Sprintf("%s (by %s)", d.Name, d.ClaimedBy))
			}
		}
		return model.ToolErrf(model.KindConflict, "pool",
			"all matching devices are claimed: %s", strings.Join(claimants, ", "))
	})
	return udid, needsBoot, err
}

// rank orders candidates: booted before shutdown, available before claimed,
// most recently used first, then name for stability.
func rank(devices []model.Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		var a, b = devices[i], devices[j]
		if (a.State == model.StateBooted) != (b.State == model.StateBooted) {
			return a.State == model.StateBooted
		}
		if (a.ClaimedBy == "") != (b.ClaimedBy == "") {
			return a.ClaimedBy == ""
		}
		var at, bt time.Time
		if a.LastUsed != nil {
			at = *a.LastUsed
		}
		if b.LastUsed != nil {
			bt = *b.LastUsed
		}
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return a.Name < b.Name
	})
}

// diagnose explains why nothing matched, distinguishing which criterion
// failed and listing what was observed instead.
func (p *Pool) diagnose(req ResolveRequest, devices []model.Device) error {
	var nameMatched, osMatched []model.Device
	for _, d := range devices {
		if !d.IsAvailable {
			continue
		}
		if req.DeviceType != "" && d.DeviceType != req.DeviceType {
			continue
		}
		if d.MatchesName(req.Name) {
			nameMatched = append(nameMatched, d)
		}
		if d.MatchesOSVersion(req.OSVersion) {
			osMatched = append(osMatched, d)
		}
	}

	switch {
	case req.Name != "" && len(nameMatched) != 0 && req.OSVersion != "":
		var versions []string
		for _, d := range nameMatched {
			versions = append(versions, d.OSVersion)
		}
		return model.ToolErrf(model.KindNotFound, "pool",
			"devices named like %q exist but none run OS %q (observed: %s)",
			req.Name, req.OSVersion, strings.Join(dedup(versions), ", "))
	case req.OSVersion != "" && len(osMatched) != 0 && req.Name != "":
		var names []string
		for _, d := range osMatched {
			names = append(names, d.Name)
		}
		return model.ToolErrf(model.KindNotFound, "pool",
			"devices on OS %q exist but none named like %q (observed: %s)",
			req.OSVersion, req.Name, strings.Join(dedup(names), ", "))
	default:
		var names []string
		for _, d := range devices {
			if d.IsAvailable {
				names = append(names, d.Name)
			}
		}
		if len(names) == 0 {
			return model.ToolErrf(model.KindNotFound, "pool", "no devices are available")
		}
		return model.ToolErrf(model.KindNotFound, "pool",
			"no device matches the criteria (available: %s)", strings.Join(dedup(names), ", "))
	}
}

func dedup(in []string) []string {
	var seen = map[string]struct{}{}
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// boot issues the boot and polls until the device reports booted.
func (p *Pool) boot(udid string) error {
	if p.Booter == nil {
		return model.ToolErrf(model.KindDegraded, "pool", "no booter attached; cannot auto-boot %s", udid)
	}
	if err := p.Booter.BootAndWait(udid, bootTimeout); err != nil {
		return err
	}
	p.Refresh()
	return nil
}

// Ensure returns |count| ready (booted, claimed-if-session) udids matching
// the criteria, booting shutdown devices as needed. On partial claim
// failure every already-claimed device is released.
func (p *Pool) Ensure(ctx context.Context, count int, c Criteria, session string) ([]string, error) {
	if count <= 0 {
		return nil, model.Errf(model.KindValidation, "count must be positive")
	}

	var selected []string
	var toBoot []string

	var err = p.withExclusive(func(state *fileState, devices []model.Device) error {
		var booted, shutdown []model.Device
		var matchingTotal, matchingClaimed int
		for _, d := range devices {
			if e, ok := state.Devices[d.UDID]; ok && e.ClaimedBy != "" {
				d.ClaimedBy = e.ClaimedBy
			}
			if !c.matches(d) {
				continue
			}
			matchingTotal++
			if d.ClaimedBy != "" && d.ClaimedBy != session {
				matchingClaimed++
				continue
			}
			if d.State == model.StateBooted {
				booted = append(booted, d)
			} else {
				shutdown = append(shutdown, d)
			}
		}

		rank(booted)
		rank(shutdown)

		for _, d := range booted {
			if len(selected) == count {
				break
			}
			selected = append(selected, d.UDID)
		}
		for _, d := range shutdown {
			if len(selected) == count {
				break
			}
			selected = append(selected, d.UDID)
			toBoot = append(toBoot, d.UDID)
		}

		if len(selected) < count {
			if matchingTotal >= count {
				return model.ToolErrf(model.KindConflict, "pool",
					"%d matching devices exist but %d are claimed; only %d usable",
					matchingTotal, matchingClaimed, len(selected))
			}
			return model.ToolErrf(model.KindNotFound, "pool",
				"only %d devices match the criteria; %d requested", matchingTotal, count)
		}

		if session != "" {
			var now = time.Now().UTC()
			for _, udid := range selected {
				var e = ensureEntry(state, udid)
				e.ClaimedBy, e.ClaimedAt, e.LastUsed = session, &now, &now
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, udid := range toBoot {
		if err = p.boot(udid); err != nil {
			if session != "" {
				for _, u := range selected {
					_ = p.Release(u, session)
				}
			}
			return nil, fmt.Errorf("booting %s: %w", udid, err)
		}
	}
	return selected, nil
}

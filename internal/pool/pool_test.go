package pool

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/model"
)

type fakeLister struct {
	mu      sync.Mutex
	devices []model.Device
	calls   int
}

func (f *fakeLister) ListDevices() ([]model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var out = make([]model.Device, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *fakeLister) setState(udid string, state model.DeviceState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.devices {
		if f.devices[i].UDID == udid {
			f.devices[i].State = state
		}
	}
}

type fakeBooter struct {
	lister *fakeLister
	booted []string
}

func (f *fakeBooter) BootAndWait(udid string, _ time.Duration) error {
	f.booted = append(f.booted, udid)
	f.lister.setState(udid, model.StateBooted)
	return nil
}

func sim(udid, name, os string, state model.DeviceState) model.Device {
	return model.Device{
		UDID:        udid,
		Name:        name,
		OSVersion:   os,
		DeviceType:  model.TypeSimulator,
		State:       state,
		IsAvailable: true,
	}
}

func newTestPool(t *testing.T, devices ...model.Device) (*Pool, *fakeLister, *fakeBooter) {
	t.Helper()
	var lister = &fakeLister{devices: devices}
	var booter = &fakeBooter{lister: lister}
	var p = New(filepath.Join(t.TempDir(), "pool.json"), lister, booter)
	return p, lister, booter
}

func TestClaimAndSnapshot(t *testing.T) {
	var p, _, _ = newTestPool(t,
		sim("A", "iPhone 16", "iOS 18.2", model.StateBooted),
		sim("B", "iPhone 16 Pro", "iOS 18.2", model.StateShutdown),
	)

	require.NoError(t, p.Claim("A", "session-1"))

	var devices, err = p.Snapshot()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	for _, d := range devices {
		if d.UDID == "A" {
			require.Equal(t, model.ClaimClaimed, d.ClaimStatus)
			require.Equal(t, "session-1", d.ClaimedBy)
		} else {
			require.Equal(t, model.ClaimAvailable, d.ClaimStatus)
		}
	}
}

func TestClaimConflictsAcrossSessions(t *testing.T) {
	var p, _, _ = newTestPool(t, sim("A", "iPhone 16", "iOS 18.2", model.StateBooted))

	require.NoError(t, p.Claim("A", "session-1"))
	require.NoError(t, p.Claim("A", "session-1")) // re-claim by holder is fine

	var err = p.Claim("A", "session-2")
	require.Equal(t, model.KindConflict, model.KindOf(err))
}

func TestClaimRequiresSessionAndKnownDevice(t *testing.T) {
	var p, _, _ = newTestPool(t, sim("A", "iPhone 16", "iOS 18.2", model.StateBooted))

	require.Equal(t, model.KindValidation, model.KindOf(p.Claim("A", "")))
	require.Equal(t, model.KindNotFound, model.KindOf(p.Claim("missing", "session-1")))
}

func TestReleaseIsIdempotentButChecksSession(t *testing.T) {
	var p, _, _ = newTestPool(t, sim("A", "iPhone 16", "iOS 18.2", model.StateBooted))

	require.NoError(t, p.Release("A", "anyone")) // unclaimed: no-op

	require.NoError(t, p.Claim("A", "session-1"))
	require.Equal(t, model.KindConflict, model.KindOf(p.Release("A", "session-2")))
	require.NoError(t, p.Release("A", "session-1"))
	require.NoError(t, p.Claim("A", "session-2"))
}

func TestResolvePrefersBootedUnclaimed(t *testing.T) {
	var p, _, booter = newTestPool(t,
		sim("A", "iPhone 16", "iOS 18.2", model.StateShutdown),
		sim("B", "iPhone 16", "iOS 18.2", model.StateBooted),
	)

	var udid, err = p.Resolve(context.Background(), ResolveRequest{
		Criteria: Criteria{Name: "iPhone 16"},
		AutoBoot: true,
	})
	require.NoError(t, err)
	require.Equal(t, "B", udid)
	require.Empty(t, booter.booted)
}

func TestResolveAutoBootsShutdownDevice(t *testing.T) {
	var p, _, booter = newTestPool(t, sim("A", "iPhone 16", "iOS 18.2", model.StateShutdown))

	var udid, err = p.Resolve(context.Background(), ResolveRequest{
		Criteria: Criteria{Name: "iPhone 16"},
		AutoBoot: true,
	})
	require.NoError(t, err)
	require.Equal(t, "A", udid)
	require.Equal(t, []string{"A"}, booter.booted)
}

func TestResolveShutdownWithoutAutoBootIsNotFound(t *testing.T) {
	var p, _, _ = newTestPool(t, sim("A", "iPhone 16", "iOS 18.2", model.StateShutdown))

	var _, err = p.Resolve(context.Background(), ResolveRequest{
		Criteria: Criteria{Name: "iPhone 16"},
	})
	require.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestResolveExplicitUDIDClaimsForSession(t *testing.T) {
	var p, _, _ = newTestPool(t, sim("A", "iPhone 16", "iOS 18.2", model.StateBooted))

	var udid, err = p.Resolve(context.Background(), ResolveRequest{
		Criteria:  Criteria{UDID: "A"},
		SessionID: "session-1",
	})
	require.NoError(t, err)
	require.Equal(t, "A", udid)

	_, err = p.Resolve(context.Background(), ResolveRequest{
		Criteria:  Criteria{UDID: "A"},
		SessionID: "session-2",
	})
	require.Equal(t, model.KindConflict, model.KindOf(err))
}

func TestResolveDiagnosesOSVersionMismatch(t *testing.T) {
	var p, _, _ = newTestPool(t,
		sim("A", "iPhone 16", "iOS 17.5", model.StateBooted),
	)

	var _, err = p.Resolve(context.Background(), ResolveRequest{
		Criteria: Criteria{Name: "iPhone 16", OSVersion: "18"},
	})
	require.Equal(t, model.KindNotFound, model.KindOf(err))
	require.Contains(t, err.Error(), "iOS 17.5")
}

func TestResolveWaitsForRelease(t *testing.T) {
	var p, _, _ = newTestPool(t, sim("A", "iPhone 16", "iOS 18.2", model.StateBooted))
	require.NoError(t, p.Claim("A", "holder"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = p.Release("A", "holder")
	}()

	var udid, err = p.Resolve(context.Background(), ResolveRequest{
		Criteria:    Criteria{Name: "iPhone 16"},
		WaitIfBusy:  true,
		WaitTimeout: 5 * time.Second,
		SessionID:   "waiter",
	})
	require.NoError(t, err)
	require.Equal(t, "A", udid)
}

func TestResolveWaitTimesOut(t *testing.T) {
	var p, _, _ = newTestPool(t, sim("A", "iPhone 16", "iOS 18.2", model.StateBooted))
	require.NoError(t, p.Claim("A", "holder"))

	var _, err = p.Resolve(context.Background(), ResolveRequest{
		Criteria:    Criteria{Name: "iPhone 16"},
		WaitIfBusy:  true,
		WaitTimeout: 30 * time.Millisecond,
	})
	require.Equal(t, model.KindTimeout, model.KindOf(err))
}

func TestConcurrentResolversCannotDoubleClaim(t *testing.T) {
	var p, _, _ = newTestPool(t, sim("A", "iPhone 16", "iOS 18.2", model.StateBooted))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var udid, err = p.Resolve(context.Background(), ResolveRequest{
				Criteria:  Criteria{Name: "iPhone 16"},
				SessionID: string(rune('a' + n)),
			})
			if err == nil {
				mu.Lock()
				winners = append(winners, udid)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Len(t, winners, 1)
}

func TestEnsureBootsAndClaimsCount(t *testing.T) {
	var p, _, booter = newTestPool(t,
		sim("A", "iPhone 16", "iOS 18.2", model.StateBooted),
		sim("B", "iPhone 16", "iOS 18.2", model.StateShutdown),
		sim("C", "iPhone 16", "iOS 18.2", model.StateShutdown),
	)

	var udids, err = p.Ensure(context.Background(), 2, Criteria{Name: "iPhone 16"}, "session-1")
	require.NoError(t, err)
	require.Len(t, udids, 2)
	require.Equal(t, "A", udids[0]) // booted devices are taken first
	require.Len(t, booter.booted, 1)

	// All two are now claimed by session-1; a third session finds a conflict.
	_, err = p.Ensure(context.Background(), 3, Criteria{Name: "iPhone 16"}, "session-2")
	require.Equal(t, model.KindConflict, model.KindOf(err))
}

func TestEnsureValidatesCount(t *testing.T) {
	var p, _, _ = newTestPool(t)
	var _, err = p.Ensure(context.Background(), 0, Criteria{}, "")
	require.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestCleanupReapsStaleClaims(t *testing.T) {
	var p, _, _ = newTestPool(t, sim("A", "iPhone 16", "iOS 18.2", model.StateBooted))
	require.NoError(t, p.Claim("A", "old-session"))

	// Backdate the claim directly in the pool file.
	var lf, err = lockFile(p.Path, true)
	require.NoError(t, err)
	state, err := readState(lf)
	require.NoError(t, err)
	var old = time.Now().Add(-time.Hour).UTC()
	state.Devices["A"].ClaimedAt = &old
	require.NoError(t, writeState(lf, state))
	lf.unlock()

	released, err := p.Cleanup()
	require.NoError(t, err)
	require.Equal(t, 1, released)

	require.NoError(t, p.Claim("A", "new-session"))
}

func TestCorruptPoolFileResetsInsteadOfWedging(t *testing.T) {
	var p, _, _ = newTestPool(t, sim("A", "iPhone 16", "iOS 18.2", model.StateBooted))
	require.NoError(t, os.WriteFile(p.Path, []byte("{not json"), 0o600))

	require.NoError(t, p.Claim("A", "session-1"))
}

func TestDeviceListCacheAndRefresh(t *testing.T) {
	var p, lister, _ = newTestPool(t, sim("A", "iPhone 16", "iOS 18.2", model.StateBooted))

	_, err := p.Snapshot()
	require.NoError(t, err)
	_, err = p.Snapshot()
	require.NoError(t, err)
	require.Equal(t, 1, lister.calls)

	p.Refresh()
	_, err = p.Snapshot()
	require.NoError(t, err)
	require.Equal(t, 2, lister.calls)
}

package proxy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/flowstore"
	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/ringlog"
)

func TestRuleEchoSuppression(t *testing.T) {
	var m = newRuleMirror()
	m.markOriginated("rule-1")

	// The first echo for an originated rule is absorbed; a second echo for
	// the same id (interceptor-originated) is not.
	require.True(t, m.absorbEcho("rule-1"))
	require.False(t, m.absorbEcho("rule-1"))
	require.False(t, m.absorbEcho("rule-2"))
}

func TestRuleMirrorClearAll(t *testing.T) {
	var m = newRuleMirror()
	m.putIntercept(&InterceptRule{ID: "a", Pattern: "*/v1/*", CreatedAt: time.Now()})
	m.putIntercept(&InterceptRule{ID: "b", Pattern: "*/v2/*", CreatedAt: time.Now().Add(time.Second)})

	m.removeIntercept("a")
	require.Len(t, m.Intercepts(), 1)

	m.removeIntercept("")
	require.Empty(t, m.Intercepts())
}

func TestHeldTableReleaseDisarmsTimer(t *testing.T) {
	var released = make(chan string, 1)
	var table = newHeldTable(func(id string) { released <- id })

	var flow = &model.FlowRecord{ID: "flow-1", Status: model.FlowPending}
	var h = table.add(flow, "request")
	require.WithinDuration(t, h.HeldAt.Add(holdTimeout), h.Deadline, time.Millisecond)

	require.True(t, table.remove("flow-1"))
	require.False(t, table.remove("flow-1"))

	select {
	case id := <-released:
		t.Fatalf("auto-release fired for removed flow %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHeldWaitReturnsImmediatelyWhenNonEmpty(t *testing.T) {
	var table = newHeldTable(func(string) {})
	table.add(&model.FlowRecord{ID: "flow-1"}, "request")

	var start = time.Now()
	var held = table.wait(context.Background(), 5*time.Second)
	require.Len(t, held, 1)
	require.Less(t, time.Since(start), time.Second)
}

func TestHeldWaitWakesOnArrival(t *testing.T) {
	var table = newHeldTable(func(string) {})

	go func() {
		time.Sleep(30 * time.Millisecond)
		table.add(&model.FlowRecord{ID: "flow-1"}, "response")
	}()

	var held = table.wait(context.Background(), 2*time.Second)
	require.Len(t, held, 1)
	require.Equal(t, "response", held[0].Phase)
}

func TestHeldWaitTimesOutEmpty(t *testing.T) {
	var table = newHeldTable(func(string) {})
	var held = table.wait(context.Background(), 20*time.Millisecond)
	require.Empty(t, held)
}

func newTestManager() *Manager {
	return NewManager(Config{
		ConfigDir: "/tmp/quern-test",
		Port:      9101,
		Ring:      ringlog.New(100),
		Flows:     flowstore.New(100),
	})
}

func TestFlowEventPairsStoreAndRing(t *testing.T) {
	var m = newTestManager()

	var total = 12.0
	m.handleFlow(&model.FlowRecord{
		ID:        "flow-1",
		Timestamp: time.Now().UTC(),
		Status:    model.FlowComplete,
		Request:   model.FlowRequest{Method: "GET", Host: "api.example.com", Path: "/v1/user"},
		Response:  &model.FlowResponse{StatusCode: 200, BodySize: 1229},
		Timing:    model.FlowTiming{Total: &total},
	})

	var flow, ok = m.cfg.Flows.Get("flow-1")
	require.True(t, ok)
	require.Equal(t, model.FlowComplete, flow.Status)

	var res = m.cfg.Ring.Query(ringlog.Filter{}, 10, 0)
	require.Len(t, res.Entries, 1)
	require.Equal(t, "flow-1", res.Entries[0].ID)
	require.Equal(t, model.SourceProxy, res.Entries[0].Source)
	require.Equal(t, "GET api.example.com/v1/user -> 200 (12ms, 1.2KB)", res.Entries[0].Message)
}

func TestFailedFlowLogsAtError(t *testing.T) {
	var m = newTestManager()
	m.handleFlow(&model.FlowRecord{
		ID:      "flow-1",
		Status:  model.FlowFailed,
		Request: model.FlowRequest{Method: "POST", Host: "api.example.com", Path: "/v1/login"},
		Error:   "connection reset",
	})
	var res = m.cfg.Ring.Query(ringlog.Filter{}, 10, 0)
	require.Len(t, res.Entries, 1)
	require.Equal(t, model.LevelError, res.Entries[0].Level)
}

func TestHeldStatusLooksUpFlow(t *testing.T) {
	var m = newTestManager()
	m.handleFlow(&model.FlowRecord{
		ID:      "flow-1",
		Status:  model.FlowPending,
		Request: model.FlowRequest{Method: "GET", Host: "api.example.com", Path: "/v1/user"},
	})
	m.handleStatus(event{Type: "status", Status: "held", FlowID: "flow-1", Phase: "request"})

	var held = m.Held()
	require.Len(t, held, 1)
	require.Equal(t, "flow-1", held[0].Flow.ID)
}

func TestSelfOriginatedEchoIgnored(t *testing.T) {
	var m = newTestManager()
	m.rules.putIntercept(&InterceptRule{ID: "rule-1", Pattern: "*/v1/*", CreatedAt: time.Now()})
	m.rules.markOriginated("rule-1")

	// The echo for our own write must not disturb the mirror.
	m.handleStatus(event{Type: "status", Status: "rule_echo", RuleID: "rule-1"})
	require.Len(t, m.Intercepts(), 1)
}

func TestCommandsFailCleanlyWhenStopped(t *testing.T) {
	var m = newTestManager()

	var _, err = m.SetIntercept("*/v1/*", PauseRequest)
	require.Error(t, err)
	require.Equal(t, model.KindDegraded, model.KindOf(err))

	_, err = m.SetMock("*/v1/*", 200, nil, "{}")
	require.Error(t, err)
	require.Equal(t, model.KindDegraded, model.KindOf(err))
}

func TestUpdateMockValidation(t *testing.T) {
	var m = newTestManager()
	var _, err = m.UpdateMock("missing", []byte(`{"status_code":404}`))
	require.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestMockMergePatchPreservesIdentity(t *testing.T) {
	var m = newTestManager()
	var now = time.Now().UTC()
	m.rules.putMock(&MockRule{
		ID: "mock-1", Pattern: "*/v1/user", StatusCode: 200,
		Body: `{"ok":true}`, CreatedAt: now, UpdatedAt: now,
	})

	// The send fails (no process) before the mirror is touched.
	var _, err = m.UpdateMock("mock-1", []byte(`{"status_code":503,"id":"evil"}`))
	require.Error(t, err)

	var prior, ok = m.rules.getMock("mock-1")
	require.True(t, ok)
	require.Equal(t, 200, prior.StatusCode)
}

func TestEventRoundTrip(t *testing.T) {
	const line = `{"type":"flow","flow":{"id":"f1","status":"complete",` +
		`"request":{"method":"GET","url":"https://api.example.com/v1/user",` +
		`"host":"api.example.com","path":"/v1/user","body_size":0},` +
		`"response":{"status_code":200,"body_size":2},"timing":{"total":8.5}}}`

	var ev event
	require.NoError(t, json.Unmarshal([]byte(line), &ev))
	require.Equal(t, "flow", ev.Type)
	require.Equal(t, "f1", ev.Flow.ID)
	require.Equal(t, 200, ev.Flow.Response.StatusCode)
	require.Equal(t, 8.5, *ev.Flow.Timing.Total)
}

func TestReadProxySetting(t *testing.T) {
	const out = "Enabled: Yes\nServer: 127.0.0.1\nPort: 9101\nAuthenticated Proxy Enabled: 0\n"
	var s = readSetting([]byte(out))
	require.True(t, s.Enabled)
	require.Equal(t, "127.0.0.1", s.Host)
	require.Equal(t, 9101, s.Port)

	s = readSetting([]byte("Enabled: No\nServer: \nPort: 0\n"))
	require.False(t, s.Enabled)
}

func TestRestoreDriftBaselineIsAppliedState(t *testing.T) {
	// The live settings after a normal session are the interceptor's, which
	// differ from the pre-configure snapshot by construction. That must not
	// count as drift; only a third-party change does.
	var applied = &Snapshot{
		Service: "Wi-Fi",
		HTTP:    ProxySetting{Enabled: true, Host: "127.0.0.1", Port: 9101},
		HTTPS:   ProxySetting{Enabled: true, Host: "127.0.0.1", Port: 9101},
	}

	var current = *applied
	var _, drifted = detectDrift(&current, applied)
	require.False(t, drifted)

	current.HTTPS = ProxySetting{Enabled: true, Host: "10.0.0.7", Port: 8080}
	detail, drifted := detectDrift(&current, applied)
	require.True(t, drifted)
	require.NotEmpty(t, detail)
}

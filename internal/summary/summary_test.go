package summary

import (
	"testing"
	"time"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/ringlog"
)

var summaryBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixtureEntries() []model.LogEntry {
	return []model.LogEntry{
		{Level: model.LevelInfo, Process: "MyApp", Message: "App launch finished", Timestamp: summaryBase},
		{Level: model.LevelError, Process: "MyApp", Message: "Request 123 failed: timeout", Timestamp: summaryBase.Add(1 * time.Second)},
		{Level: model.LevelError, Process: "MyApp", Message: "Request 456 failed: timeout", Timestamp: summaryBase.Add(2 * time.Second)},
		{Level: model.LevelWarning, Process: "MyApp", Message: "Low memory warning", Timestamp: summaryBase.Add(3 * time.Second)},
		{Level: model.LevelInfo, Process: "MyApp", Message: "Cache holds 42 items", Timestamp: summaryBase.Add(4 * time.Second)},
	}
}

func TestLogSummaryDedupsByNormalizedPattern(t *testing.T) {
	var s = Logs(fixtureEntries(), ringlog.Cursor{Seq: 5}, "5m")

	require.Equal(t, 5, s.Total)
	require.Equal(t, 2, s.Counts["error"])
	require.Equal(t, 1, s.Counts["warning"])
	require.Len(t, s.TopErrors, 1)

	var top = s.TopErrors[0]
	require.Equal(t, 2, top.Count)
	require.Equal(t, "Request <n> failed: timeout", top.Pattern)
	require.Equal(t, "Request 123 failed: timeout", top.Example)
	require.False(t, top.Resolved)
	require.Len(t, s.Lifecycle, 1)
}

func TestLogSummaryProse(t *testing.T) {
	var s = Logs(fixtureEntries(), ringlog.Cursor{Seq: 5}, "5m")
	cupaloy.SnapshotT(t, s.Prose)
}

func TestLogSummaryMarksResolvedErrors(t *testing.T) {
	var entries = []model.LogEntry{
		{Level: model.LevelError, Message: "Upload 12 failed: socket closed", Timestamp: summaryBase},
		{Level: model.LevelInfo, Message: "Upload 13 succeeded after retry", Timestamp: summaryBase.Add(time.Minute)},
	}
	var s = Logs(entries, ringlog.Cursor{}, "5m")
	require.Len(t, s.TopErrors, 1)
	require.True(t, s.TopErrors[0].Resolved)
}

func fixtureFlows() []*model.FlowRecord {
	var mk = func(id, path string, status int, ts time.Time) *model.FlowRecord {
		return &model.FlowRecord{
			ID:        id,
			Timestamp: ts,
			Status:    model.FlowComplete,
			Request: model.FlowRequest{
				Method: "GET",
				Host:   "api.example.com",
				Path:   path,
				URL:    "https://api.example.com" + path,
			},
			Response: &model.FlowResponse{StatusCode: status},
		}
	}
	return []*model.FlowRecord{
		mk("f1", "/v1/user", 200, summaryBase),
		mk("f2", "/v1/feed", 200, summaryBase.Add(1*time.Second)),
		mk("f3", "/v1/items", 500, summaryBase.Add(2*time.Second)),
	}
}

func TestFlowSummaryAggregatesByHost(t *testing.T) {
	var s = Flows(fixtureFlows(), "", "10m")

	require.Equal(t, 3, s.Total)
	require.Len(t, s.ByHost, 1)
	var h = s.ByHost[0]
	require.Equal(t, "api.example.com", h.Host)
	require.Equal(t, 2, h.Success)
	require.Equal(t, 1, h.Server5xx)

	require.Len(t, s.TopErrors, 1)
	require.Equal(t, "GET /v1/items -> 500", s.TopErrors[0].Pattern)
}

func TestFlowSummaryProse(t *testing.T) {
	var s = Flows(fixtureFlows(), "", "10m")
	cupaloy.SnapshotT(t, s.Prose)
}

func TestFlowSummaryTracksSlowestRequests(t *testing.T) {
	var slow, fast = 840.0, 12.0
	var flows = fixtureFlows()
	flows[0].Timing.Total = &fast
	flows[2].Timing.Total = &slow

	var s = Flows(flows, "", "10m")
	require.Len(t, s.Slowest, 2)
	require.Equal(t, "https://api.example.com/v1/items", s.Slowest[0].URL)
	require.Equal(t, 840.0, s.Slowest[0].TotalMS)
}

func TestFlowSummaryConnectionErrors(t *testing.T) {
	var flows = []*model.FlowRecord{{
		ID:        "f1",
		Timestamp: summaryBase,
		Status:    model.FlowFailed,
		Request:   model.FlowRequest{Method: "POST", Host: "api.example.com", Path: "/v1/upload"},
		Error:     "connection reset by peer",
	}}
	var s = Flows(flows, "", "10m")
	require.Equal(t, 1, s.ByHost[0].ConnectionErrors)
	require.Len(t, s.TopErrors, 1)
	require.Equal(t, "POST /v1/upload failed: connection reset by peer", s.TopErrors[0].Pattern)
}

func TestFlowSummaryEmptyWindow(t *testing.T) {
	var s = Flows(nil, "", "10m")
	require.Equal(t, "No network flows captured in 10m.", s.Prose)
}

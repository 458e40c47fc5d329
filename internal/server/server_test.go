package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/device"
	"github.com/quernlabs/quern/internal/flowstore"
	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/pool"
	"github.com/quernlabs/quern/internal/proxy"
	"github.com/quernlabs/quern/internal/ringlog"
	"github.com/quernlabs/quern/internal/sources"
)

const testKey = "test-api-key"

func newTestServer(t *testing.T) (*Server, *Config) {
	t.Helper()
	var ring = ringlog.New(100)
	var flows = flowstore.New(100)
	var devices = device.NewController()
	var cfg = Config{
		APIKey:  testKey,
		Version: "test",
		Ring:    ring,
		Flows:   flows,
		Proxy: proxy.NewManager(proxy.Config{
			ConfigDir: t.TempDir(),
			Port:      9101,
			Ring:      ring,
			Flows:     flows,
		}),
		Devices: devices,
		Pool:    pool.New(t.TempDir()+"/pool.json", nil, nil),
		Sources: sources.NewRegistry(),
		Builds:  &sources.BuildTracker{},
	}
	cfg.Certs = proxy.NewCertManager(t.TempDir(), devices)
	var s = New(cfg)
	return s, &cfg
}

func doRequest(t *testing.T, s *Server, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	var req = httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.ContentLength = int64(buf.Len())
	}
	if authed {
		req.Header.Set("X-API-Key", testKey)
	}
	var rec = httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsUnauthenticated(t *testing.T) {
	var s, _ = newTestServer(t)
	var rec = doRequest(t, s, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "test", body["version"])
}

func TestAPIRequiresKey(t *testing.T) {
	var s, _ = newTestServer(t)

	var rec = doRequest(t, s, http.MethodGet, "/api/v1/logs/query", nil, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/logs/query", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerTokenAccepted(t *testing.T) {
	var s, _ = newTestServer(t)
	var req = httptest.NewRequest(http.MethodGet, "/api/v1/logs/query", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	var rec = httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLogQueryFiltersAndCursor(t *testing.T) {
	var s, cfg = newTestServer(t)
	cfg.Ring.Append(model.LogEntry{Level: model.LevelInfo, Source: model.SourceOSLog, Message: "app started"})
	cfg.Ring.Append(model.LogEntry{Level: model.LevelError, Source: model.SourceOSLog, Message: "request failed"})

	var rec = doRequest(t, s, http.MethodGet, "/api/v1/logs/query?level=error", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Entries []model.LogEntry `json:"entries"`
		Total   int              `json:"total"`
		Cursor  string           `json:"cursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	require.Equal(t, "request failed", body.Entries[0].Message)
	require.NotEmpty(t, body.Cursor)

	// Nothing new after the cursor.
	rec = doRequest(t, s, http.MethodGet, "/api/v1/logs/query?since_cursor="+body.Cursor, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 0, body.Total)
}

func TestFlowWaitTimesOutWith200(t *testing.T) {
	var s, _ = newTestServer(t)
	var start = time.Now()
	var rec = doRequest(t, s, http.MethodGet, "/api/v1/proxy/flows/wait?timeout=0.05", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Less(t, time.Since(start), 2*time.Second)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, false, body["matched"])
}

func TestFlowWaitMatchesRecentFlow(t *testing.T) {
	var s, cfg = newTestServer(t)
	cfg.Flows.Add(&model.FlowRecord{
		ID:        "flow-1",
		Timestamp: time.Now().UTC(),
		Status:    model.FlowComplete,
		Request:   model.FlowRequest{Method: "GET", Host: "api.example.com", Path: "/v1/user"},
		Response:  &model.FlowResponse{StatusCode: 200},
	})

	var rec = doRequest(t, s, http.MethodGet,
		"/api/v1/proxy/flows/wait?host=api.example.com&timeout=1", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Matched bool              `json:"matched"`
		Flow    *model.FlowRecord `json:"flow"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Matched)
	require.Equal(t, "flow-1", body.Flow.ID)
}

func TestFlowDetailNotFound(t *testing.T) {
	var s, _ = newTestServer(t)
	var rec = doRequest(t, s, http.MethodGet, "/api/v1/proxy/flows/nope", nil, true)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "not_found", body["kind"])
}

func TestInterceptWhileStoppedIsDegraded(t *testing.T) {
	var s, _ = newTestServer(t)
	var rec = doRequest(t, s, http.MethodPost, "/api/v1/proxy/intercept",
		map[string]string{"pattern": "*/v1/*"}, true)
	// Degraded maps to an operation-specific status, not a 5xx surprise.
	require.NotEqual(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "degraded", body["kind"])
}

func TestValidationErrorsAre400(t *testing.T) {
	var s, _ = newTestServer(t)

	var rec = doRequest(t, s, http.MethodPost, "/api/v1/device/boot",
		map[string]string{}, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/device/app/launch",
		map[string]string{"udid": "UDID-1"}, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnsupportedToolSurfacesDegraded(t *testing.T) {
	var s, _ = newTestServer(t)
	var rec = doRequest(t, s, http.MethodPost, "/api/v1/device/wda/start", nil, true)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "degraded", body["kind"])
	require.Equal(t, "wda", body["tool"])
}

func TestHeldListEmptyReturnsImmediately(t *testing.T) {
	var s, _ = newTestServer(t)
	var start = time.Now()
	var rec = doRequest(t, s, http.MethodGet, "/api/v1/proxy/intercept/held", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Less(t, time.Since(start), time.Second)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, false, body["matched"])
}

func TestSetupGuideIsPlainText(t *testing.T) {
	var s, _ = newTestServer(t)
	var rec = doRequest(t, s, http.MethodGet, "/api/v1/proxy/setup-guide", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	require.Contains(t, rec.Body.String(), "Certificate Trust Settings")
}

func TestSSEStreamDeliversAppendedEntries(t *testing.T) {
	var s, cfg = newTestServer(t)
	var ts = httptest.NewServer(s.http.Handler)
	defer ts.Close()

	var req, err = http.NewRequest(http.MethodGet, ts.URL+"/api/v1/logs/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		cfg.Ring.Append(model.LogEntry{
			Level:   model.LevelInfo,
			Source:  model.SourceOSLog,
			Message: "streamed entry",
		})
	}()

	var reader = bufio.NewReader(resp.Body)
	var sawLog bool
	var deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.TrimSpace(line) == "event: log" {
			data, err := reader.ReadString('\n')
			require.NoError(t, err)
			require.Contains(t, data, "streamed entry")
			sawLog = true
			break
		}
	}
	require.True(t, sawLog, "no log event arrived on the stream")
}

func TestMetricsExposed(t *testing.T) {
	var s, _ = newTestServer(t)
	var rec = doRequest(t, s, http.MethodGet, "/metrics", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "quern_log_evictions_total")
}

package server

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quernlabs/quern/internal/flowstore"
	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/proxy"
	"github.com/quernlabs/quern/internal/summary"
)

// flowWaitHorizon is how far back `flows/wait` looks when no `since` is
// given: flows landing between a triggering action and the wait call still
// count.
const flowWaitHorizon = 5 * time.Second

func flowFilterFromQuery(r *http.Request) flowstore.Filter {
	var q = r.URL.Query()
	var f = flowstore.Filter{
		Host:         q.Get("host"),
		PathContains: q.Get("path_contains"),
		Method:       q.Get("method"),
		StatusMin:    queryInt(r, "status_min", 0),
		StatusMax:    queryInt(r, "status_max", 0),
		DeviceID:     q.Get("device_id"),
		Since:        queryTime(r, "since"),
		Until:        queryTime(r, "until"),
	}
	if raw := q.Get("has_error"); raw != "" {
		var v = raw == "true" || raw == "1"
		f.HasError = &v
	}
	return f
}

func (s *Server) handleProxyStatus(w http.ResponseWriter, r *http.Request) {
	var status = s.cfg.Proxy.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"proxy":                   status,
		"system_proxy_configured": s.cfg.Proxy.SystemProxy().Configured(),
		"flows":                   s.cfg.Flows.Len(),
	})
}

func (s *Server) handleProxyStart(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Proxy.Start(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Proxy.Status())
}

func (s *Server) handleProxyStop(w http.ResponseWriter, r *http.Request) {
	s.cfg.Proxy.Stop()
	if err := s.cfg.Proxy.SystemProxy().Restore(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Proxy.Status())
}

func (s *Server) handleConfigureSystem(w http.ResponseWriter, r *http.Request) {
	var snap, err = s.cfg.Proxy.SystemProxy().Configure(
		r.Context(), "127.0.0.1", s.cfg.Proxy.Status().Port)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"configured": true, "snapshot": snap})
}

func (s *Server) handleUnconfigureSystem(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Proxy.SystemProxy().Restore(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"configured": false})
}

func (s *Server) handleLocalCapture(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Proxy.SetLocalCapture(body.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"local_capture": body.Enabled})
}

func (s *Server) handleCertDownload(w http.ResponseWriter, r *http.Request) {
	var pem, err = s.cfg.Certs.CertPEM()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="quern-proxy-ca.pem"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pem)
}

func (s *Server) handleCertVerify(w http.ResponseWriter, r *http.Request) {
	var state = model.DeviceState(r.URL.Query().Get("state"))
	var report, err = s.cfg.Certs.Verify(r.Context(), state)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCertInstall(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UDID string `json:"udid"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	udid, err := s.cfg.Devices.ResolveUDID(r.Context(), body.UDID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err = s.cfg.Certs.Install(r.Context(), udid); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"installed": true, "udid": udid})
}

func (s *Server) handleFlowList(w http.ResponseWriter, r *http.Request) {
	var flows, total = s.cfg.Flows.Query(flowFilterFromQuery(r),
		queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	writeJSON(w, http.StatusOK, map[string]any{"flows": flows, "total": total})
}

func (s *Server) handleFlowDetail(w http.ResponseWriter, r *http.Request) {
	var flow, ok = s.cfg.Flows.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, model.Errf(model.KindNotFound, "no flow %s", chi.URLParam(r, "id")))
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

// handleFlowWait long-polls for a matching flow. Timeout is a 200 with
// matched=false, distinguishing "healthy, nothing arrived" from failure.
func (s *Server) handleFlowWait(w http.ResponseWriter, r *http.Request) {
	var filter = flowFilterFromQuery(r)
	if filter.Since.IsZero() {
		filter.Since = time.Now().UTC().Add(-flowWaitHorizon)
	}

	var flow, matched = s.cfg.Flows.Wait(r.Context(), filter, queryTimeout(r, 30*time.Second))
	if !matched {
		writeJSON(w, http.StatusOK, map[string]any{"matched": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matched": true, "flow": flow})
}

func (s *Server) handleFlowSummary(w http.ResponseWriter, r *http.Request) {
	var window = r.URL.Query().Get("window")
	if window == "" {
		window = "5m"
	}
	var filter = flowFilterFromQuery(r)
	if filter.Since.IsZero() {
		if d, err := time.ParseDuration(window); err == nil {
			filter.Since = time.Now().UTC().Add(-d)
		}
	}

	var flows, _ = s.cfg.Flows.Query(filter, 0, 0)
	// Oldest first for the digest.
	for i, j := 0, len(flows)-1; i < j; i, j = i+1, j-1 {
		flows[i], flows[j] = flows[j], flows[i]
	}
	writeJSON(w, http.StatusOK, summary.Flows(flows, "", window))
}

func (s *Server) handleInterceptSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pattern string `json:"pattern"`
		Action  string `json:"action"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	var rule, err = s.cfg.Proxy.SetIntercept(body.Pattern, proxy.InterceptAction(body.Action))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleInterceptClear(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Proxy.ClearIntercept(r.URL.Query().Get("rule_id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (s *Server) handleInterceptList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.cfg.Proxy.Intercepts()})
}

func (s *Server) handleHeldList(w http.ResponseWriter, r *http.Request) {
	var timeout = queryTimeout(r, 0)
	var held []*proxy.HeldFlow
	if timeout > 0 {
		held = s.cfg.Proxy.WaitHeld(r.Context(), timeout)
	} else {
		held = s.cfg.Proxy.Held()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"held":    held,
		"matched": len(held) != 0,
	})
}

func (s *Server) handleHeldRelease(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FlowID        string               `json:"flow_id"`
		Modifications *proxy.Modifications `json:"modifications"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Proxy.Release(body.FlowID, body.Modifications); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": body.FlowID})
}

func (s *Server) handleHeldDrop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FlowID string `json:"flow_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Proxy.Drop(body.FlowID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dropped": body.FlowID})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Modifications *proxy.Modifications `json:"modifications"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	var replayID, err = s.cfg.Proxy.Replay(chi.URLParam(r, "id"), body.Modifications)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replay_id": replayID})
}

func (s *Server) handleMockList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"mocks": s.cfg.Proxy.Mocks()})
}

func (s *Server) handleMockSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pattern    string         `json:"pattern"`
		StatusCode int            `json:"status_code"`
		Headers    []model.Header `json:"headers"`
		Body       string         `json:"body"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	var rule, err = s.cfg.Proxy.SetMock(body.Pattern, body.StatusCode, body.Headers, body.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleMockUpdate(w http.ResponseWriter, r *http.Request) {
	var patch, err = io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, model.Errf(model.KindValidation, "reading patch: %v", err))
		return
	}
	rule, err := s.cfg.Proxy.UpdateMock(chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleMockClear(w http.ResponseWriter, r *http.Request) {
	var ruleID = chi.URLParam(r, "id")
	if err := s.cfg.Proxy.ClearMocks(ruleID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

const setupGuide = `Quern proxy setup

Simulators:
  1. POST /api/v1/proxy/start
  2. POST /api/v1/proxy/configure-system (routes simulator traffic through the proxy)
  3. POST /api/v1/proxy/cert/install {"udid": "..."} (or boot once and rerun)
  4. GET  /api/v1/proxy/cert/verify to confirm

Physical devices:
  1. Join the same network as this machine.
  2. Set the device's HTTP proxy to this machine's IP and the proxy port.
  3. Open http://<this-machine>:<server-port>/api/v1/proxy/cert in Safari.
  4. Install the downloaded profile, then enable full trust under
     Settings > General > About > Certificate Trust Settings.
`

func (s *Server) handleSetupGuide(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, setupGuide)
}

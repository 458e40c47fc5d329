package server

import (
	"context"
	"net/http"
	"time"

	"github.com/quernlabs/quern/internal/device"
	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/sources"
)

// deviceRequest is the common body shape: every device operation takes an
// optional udid and resolves it through the controller.
type deviceRequest struct {
	UDID     string `json:"udid"`
	BundleID string `json:"bundle_id"`
	Path     string `json:"path"`
}

func (s *Server) resolveUDID(ctx context.Context, udid string) (string, error) {
	return s.cfg.Devices.ResolveUDID(ctx, udid)
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	var devices, err = s.cfg.Devices.ListDevicesFiltered(r.Context(),
		model.DeviceState(r.URL.Query().Get("state")),
		model.DeviceType(r.URL.Query().Get("type")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"tools":   s.cfg.Devices.Tools(),
	})
}

// deviceAction wraps the resolve-then-act pattern shared by the simple
// mutation endpoints.
func (s *Server) deviceAction(w http.ResponseWriter, r *http.Request,
	act func(ctx context.Context, udid string, body deviceRequest) error) {

	var body deviceRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	udid, err := s.resolveUDID(r.Context(), body.UDID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err = act(r.Context(), udid, body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "udid": udid})
}

func (s *Server) handleDeviceBoot(w http.ResponseWriter, r *http.Request) {
	// Boot takes the udid literally: resolution requires a booted device.
	var body deviceRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.UDID == "" {
		writeError(w, model.Errf(model.KindValidation, "boot requires a udid"))
		return
	}
	if err := s.cfg.Devices.Boot(r.Context(), body.UDID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "udid": body.UDID})
}

func (s *Server) handleDeviceShutdown(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, func(ctx context.Context, udid string, _ deviceRequest) error {
		return s.cfg.Devices.Shutdown(ctx, udid)
	})
}

func (s *Server) handleAppInstall(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, func(ctx context.Context, udid string, body deviceRequest) error {
		if body.Path == "" {
			return model.Errf(model.KindValidation, "install requires path")
		}
		return s.cfg.Devices.Install(ctx, udid, body.Path)
	})
}

func (s *Server) handleAppLaunch(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, func(ctx context.Context, udid string, body deviceRequest) error {
		if body.BundleID == "" {
			return model.Errf(model.KindValidation, "launch requires bundle_id")
		}
		return s.cfg.Devices.Launch(ctx, udid, body.BundleID)
	})
}

func (s *Server) handleAppTerminate(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, func(ctx context.Context, udid string, body deviceRequest) error {
		if body.BundleID == "" {
			return model.Errf(model.KindValidation, "terminate requires bundle_id")
		}
		return s.cfg.Devices.Terminate(ctx, udid, body.BundleID)
	})
}

func (s *Server) handleAppUninstall(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, func(ctx context.Context, udid string, body deviceRequest) error {
		if body.BundleID == "" {
			return model.Errf(model.KindValidation, "uninstall requires bundle_id")
		}
		return s.cfg.Devices.Uninstall(ctx, udid, body.BundleID)
	})
}

func (s *Server) handleAppList(w http.ResponseWriter, r *http.Request) {
	var udid, err = s.resolveUDID(r.Context(), r.URL.Query().Get("udid"))
	if err != nil {
		writeError(w, err)
		return
	}
	apps, err := s.cfg.Devices.ListApps(r.Context(), udid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"udid": udid, "apps": apps})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	var udid, err = s.resolveUDID(r.Context(), r.URL.Query().Get("udid"))
	if err != nil {
		writeError(w, err)
		return
	}
	png, err := s.cfg.Devices.Screenshot(r.Context(), udid)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleScreenshotAnnotated(w http.ResponseWriter, r *http.Request) {
	var udid, err = s.resolveUDID(r.Context(), r.URL.Query().Get("udid"))
	if err != nil {
		writeError(w, err)
		return
	}
	shot, err := s.cfg.Devices.ScreenshotAnnotated(r.Context(), udid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"udid":     udid,
		"png":      shot.PNG, // base64 via encoding/json
		"elements": shot.Elements,
	})
}

func (s *Server) handleUITree(w http.ResponseWriter, r *http.Request) {
	var udid, err = s.resolveUDID(r.Context(), r.URL.Query().Get("udid"))
	if err != nil {
		writeError(w, err)
		return
	}
	tree, err := s.cfg.Devices.UITree(r.Context(), udid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func elementQueryFromRequest(r *http.Request) device.ElementQuery {
	var q = r.URL.Query()
	return device.ElementQuery{
		Label:       q.Get("label"),
		Identifier:  q.Get("identifier"),
		ElementType: q.Get("element_type"),
	}
}

func (s *Server) handleUIElement(w http.ResponseWriter, r *http.Request) {
	var udid, err = s.resolveUDID(r.Context(), r.URL.Query().Get("udid"))
	if err != nil {
		writeError(w, err)
		return
	}
	matches, err := s.cfg.Devices.FindElement(r.Context(), udid, elementQueryFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"udid": udid, "elements": matches})
}

func (s *Server) handleWaitForElement(w http.ResponseWriter, r *http.Request) {
	var udid, err = s.resolveUDID(r.Context(), r.URL.Query().Get("udid"))
	if err != nil {
		writeError(w, err)
		return
	}
	matches, err := s.cfg.Devices.WaitForElement(r.Context(), udid,
		elementQueryFromRequest(r), queryTimeout(r, 10*time.Second))
	if err != nil {
		writeError(w, err)
		return
	}
	if len(matches) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"matched": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matched": true, "elements": matches})
}

func (s *Server) handleScreenSummary(w http.ResponseWriter, r *http.Request) {
	var udid, err = s.resolveUDID(r.Context(), r.URL.Query().Get("udid"))
	if err != nil {
		writeError(w, err)
		return
	}
	sum, err := s.cfg.Devices.ScreenSummary(r.Context(), udid,
		queryInt(r, "max_elements", 0),
		r.URL.Query().Get("include_hierarchy") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UDID string  `json:"udid"`
		X    float64 `json:"x"`
		Y    float64 `json:"y"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	udid, err := s.resolveUDID(r.Context(), body.UDID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err = s.cfg.Devices.Tap(r.Context(), udid, body.X, body.Y); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "udid": udid})
}

func (s *Server) handleTapElement(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UDID string `json:"udid"`
		device.ElementQuery
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	udid, err := s.resolveUDID(r.Context(), body.UDID)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.cfg.Devices.TapElement(r.Context(), udid, body.ElementQuery)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSwipe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UDID     string  `json:"udid"`
		X0       float64 `json:"x0"`
		Y0       float64 `json:"y0"`
		X1       float64 `json:"x1"`
		Y1       float64 `json:"y1"`
		Duration float64 `json:"duration"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	udid, err := s.resolveUDID(r.Context(), body.UDID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err = s.cfg.Devices.Swipe(r.Context(), udid, body.X0, body.Y0, body.X1, body.Y1, body.Duration); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "udid": udid})
}

func (s *Server) handleTypeText(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UDID string `json:"udid"`
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	udid, err := s.resolveUDID(r.Context(), body.UDID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err = s.cfg.Devices.TypeText(r.Context(), udid, body.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "udid": udid})
}

func (s *Server) handleClearText(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, func(ctx context.Context, udid string, _ deviceRequest) error {
		return s.cfg.Devices.ClearText(ctx, udid)
	})
}

func (s *Server) handlePressButton(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UDID   string `json:"udid"`
		Button string `json:"button"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Button == "" {
		writeError(w, model.Errf(model.KindValidation, "press requires button"))
		return
	}
	udid, err := s.resolveUDID(r.Context(), body.UDID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err = s.cfg.Devices.PressButton(r.Context(), udid, body.Button); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "udid": udid})
}

func (s *Server) handleSetLocation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UDID      string  `json:"udid"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	udid, err := s.resolveUDID(r.Context(), body.UDID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err = s.cfg.Devices.SetLocation(r.Context(), udid, body.Latitude, body.Longitude); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "udid": udid})
}

func (s *Server) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UDID       string `json:"udid"`
		BundleID   string `json:"bundle_id"`
		Permission string `json:"permission"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.BundleID == "" || body.Permission == "" {
		writeError(w, model.Errf(model.KindValidation, "permission requires bundle_id and permission"))
		return
	}
	udid, err := s.resolveUDID(r.Context(), body.UDID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err = s.cfg.Devices.GrantPermission(r.Context(), udid, body.BundleID, body.Permission); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "udid": udid})
}

// --- log source toggles -------------------------------------------------

func (s *Server) handleDeviceLogStart(w http.ResponseWriter, r *http.Request) {
	var body deviceRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	var adapter = &sources.SyslogAdapter{
		UDID: body.UDID,
		Emit: func(e model.LogEntry) { s.cfg.Ring.Append(e) },
	}
	if existing, ok := s.cfg.Sources.Get(adapter.Name()); ok {
		writeJSON(w, http.StatusOK, existing.Status())
		return
	}
	if err := adapter.Start(context.Background()); err != nil {
		writeError(w, err)
		return
	}
	s.cfg.Sources.Add(adapter)
	writeJSON(w, http.StatusOK, adapter.Status())
}

func (s *Server) handleDeviceLogStop(w http.ResponseWriter, r *http.Request) {
	s.stopSource(w, r, "syslog")
}

func (s *Server) handleSimulatorLogStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		deviceRequest
		Subsystem string `json:"subsystem"`
		Level     string `json:"level"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	udid, err := s.resolveUDID(r.Context(), body.UDID)
	if err != nil {
		writeError(w, err)
		return
	}

	var adapter = &sources.OSLogAdapter{
		UDID:      udid,
		BundleID:  body.BundleID,
		Subsystem: body.Subsystem,
		Level:     model.ParseLevel(body.Level),
		Source:    model.SourceSimulator,
		Emit:      func(e model.LogEntry) { s.cfg.Ring.Append(e) },
	}
	if existing, ok := s.cfg.Sources.Get(adapter.Name()); ok {
		writeJSON(w, http.StatusOK, existing.Status())
		return
	}
	if err = adapter.Start(context.Background()); err != nil {
		writeError(w, err)
		return
	}
	s.cfg.Sources.Add(adapter)
	writeJSON(w, http.StatusOK, adapter.Status())
}

func (s *Server) handleSimulatorLogStop(w http.ResponseWriter, r *http.Request) {
	s.stopSource(w, r, "oslog")
}

// stopSource stops and removes the adapter named prefix or prefix:udid.
func (s *Server) stopSource(w http.ResponseWriter, r *http.Request, prefix string) {
	var body deviceRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	var name = prefix
	if body.UDID != "" {
		name = prefix + ":" + body.UDID
	}
	var adapter, ok = s.cfg.Sources.Remove(name)
	if !ok {
		writeError(w, model.Errf(model.KindNotFound, "no running source %s", name))
		return
	}
	if err := adapter.Stop(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": name})
}

// handleUnsupportedTool answers the preview and WDA surfaces, which depend
// on binaries this build does not manage. The endpoints exist so clients
// get a stable degraded answer rather than a 404.
func (s *Server) handleUnsupportedTool(tool string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeError(w, model.ToolErrf(model.KindDegraded, tool,
			"%s is not managed by this build", tool))
	}
}

package server

import (
	"net/http"
	"time"

	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/pool"
)

func (s *Server) handlePoolList(w http.ResponseWriter, r *http.Request) {
	var devices, err = s.cfg.Pool.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handlePoolClaim(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UDID    string `json:"udid"`
		Session string `json:"session"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Pool.Claim(body.UDID, body.Session); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claimed": body.UDID, "session": body.Session})
}

func (s *Server) handlePoolRelease(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UDID    string `json:"udid"`
		Session string `json:"session"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Pool.Release(body.UDID, body.Session); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": body.UDID})
}

type resolveBody struct {
	UDID        string   `json:"udid"`
	Name        string   `json:"name"`
	OSVersion   string   `json:"os_version"`
	DeviceType  string   `json:"device_type"`
	Tags        []string `json:"tags"`
	AutoBoot    bool     `json:"auto_boot"`
	WaitIfBusy  bool     `json:"wait_if_busy"`
	TimeoutSecs float64  `json:"timeout"`
	Session     string   `json:"session"`
}

func (b resolveBody) criteria() pool.Criteria {
	return pool.Criteria{
		UDID:       b.UDID,
		Name:       b.Name,
		OSVersion:  b.OSVersion,
		DeviceType: model.DeviceType(b.DeviceType),
		Tags:       b.Tags,
	}
}

func (s *Server) handlePoolResolve(w http.ResponseWriter, r *http.Request) {
	var body resolveBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	var timeout = time.Duration(body.TimeoutSecs * float64(time.Second))
	if timeout > maxWait {
		timeout = maxWait
	}
	var udid, err = s.cfg.Pool.Resolve(r.Context(), pool.ResolveRequest{
		Criteria:    body.criteria(),
		AutoBoot:    body.AutoBoot,
		WaitIfBusy:  body.WaitIfBusy,
		WaitTimeout: timeout,
		SessionID:   body.Session,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"udid": udid})
}

func (s *Server) handlePoolEnsure(w http.ResponseWriter, r *http.Request) {
	var body struct {
		resolveBody
		Count int `json:"count"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Count <= 0 {
		body.Count = 1
	}
	var udids, err = s.cfg.Pool.Ensure(r.Context(), body.Count, body.criteria(), body.Session)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"udids": udids})
}

func (s *Server) handlePoolCleanup(w http.ResponseWriter, r *http.Request) {
	var released, err = s.cfg.Pool.Cleanup()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": released})
}

func (s *Server) handlePoolRefresh(w http.ResponseWriter, r *http.Request) {
	s.cfg.Pool.Refresh()
	var devices, err = s.cfg.Pool.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

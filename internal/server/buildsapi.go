package server

import (
	"net/http"
	"os"

	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/sources"
)

func (s *Server) handleBuildLatest(w http.ResponseWriter, r *http.Request) {
	var report = s.cfg.Builds.Latest()
	if report == nil {
		writeError(w, model.Errf(model.KindNotFound, "no build has been parsed yet"))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleBuildParseFile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Path == "" {
		writeError(w, model.Errf(model.KindValidation, "parse-file requires path"))
		return
	}

	f, err := os.Open(body.Path)
	if err != nil {
		writeError(w, model.Errf(model.KindNotFound, "opening %s: %v", body.Path, err))
		return
	}
	defer f.Close()

	report, err := sources.ParseBuildLog(f)
	if err != nil {
		writeError(w, err)
		return
	}
	s.cfg.Builds.Record(report)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCrashLatest(w http.ResponseWriter, r *http.Request) {
	// The spool, when enabled, can answer for crashes before this daemon
	// started; the watcher only knows this run.
	if s.cfg.Spool != nil {
		var reports, err = s.cfg.Spool.Recent(queryInt(r, "limit", 1))
		if err != nil {
			writeError(w, err)
			return
		}
		if len(reports) != 0 {
			writeJSON(w, http.StatusOK, map[string]any{"crashes": reports})
			return
		}
	}

	if s.cfg.Crashes == nil {
		writeError(w, model.Errf(model.KindNotFound, "crash watching is not enabled"))
		return
	}
	var latest = s.cfg.Crashes.Latest()
	if latest == nil {
		writeError(w, model.Errf(model.KindNotFound, "no crash reports observed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crashes": []*model.CrashReport{latest}})
}

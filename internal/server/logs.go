package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/ringlog"
	"github.com/quernlabs/quern/internal/summary"
)

// logFilterFromQuery builds a ring-buffer filter from the shared query
// parameters.
func logFilterFromQuery(r *http.Request) (ringlog.Filter, error) {
	var q = r.URL.Query()
	var f = ringlog.Filter{
		Process:   q.Get("process"),
		Subsystem: q.Get("subsystem"),
		Category:  q.Get("category"),
		DeviceID:  q.Get("device_id"),
		Search:    q.Get("search"),
		Exclude:   q.Get("exclude"),
		Since:     queryTime(r, "since"),
		Until:     queryTime(r, "until"),
	}
	if level := q.Get("level"); level != "" {
		f.Level = model.ParseLevel(level)
	}
	for _, s := range q["source"] {
		f.Sources = append(f.Sources, model.LogSource(s))
	}
	if token := q.Get("since_cursor"); token != "" {
		var cursor, err = ringlog.DecodeCursor(token)
		if err != nil {
			return f, model.Errf(model.KindValidation, "bad since_cursor: %v", err)
		}
		f.SinceCursor = cursor
	}
	return f, nil
}

func (s *Server) handleLogQuery(w http.ResponseWriter, r *http.Request) {
	var filter, err = logFilterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var limit = queryInt(r, "limit", 100)
	var offset = queryInt(r, "offset", 0)

	var res = s.cfg.Ring.Query(filter, limit, offset)
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": res.Entries,
		"total":   res.Total,
		"cursor":  res.Cursor.Encode(),
	})
}

func (s *Server) handleLogErrors(w http.ResponseWriter, r *http.Request) {
	var filter, err = logFilterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	filter.Level = model.LevelError

	var res = s.cfg.Ring.Query(filter, queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": res.Entries,
		"total":   res.Total,
		"cursor":  res.Cursor.Encode(),
	})
}

func (s *Server) handleLogSummary(w http.ResponseWriter, r *http.Request) {
	var filter, err = logFilterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var window = r.URL.Query().Get("window")
	if window == "" {
		window = "5m"
	}
	if filter.Since.IsZero() && filter.SinceCursor.Seq == 0 {
		if d, perr := time.ParseDuration(window); perr == nil {
			filter.Since = time.Now().UTC().Add(-d)
		}
	}

	// Digest in append order: query newest-first, then reverse.
	var res = s.cfg.Ring.Query(filter, 0, 0)
	var entries = res.Entries
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	writeJSON(w, http.StatusOK, summary.Logs(entries, res.Cursor, window))
}

func (s *Server) handleLogSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.cfg.Sources.Statuses()})
}

// handleLogStream is the SSE feed: one `log` event per entry, `heartbeat`
// every 5 s, `dropped` then close if the client cannot keep up.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	var filter, err = logFilterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var flusher, ok = w.(http.Flusher)
	if !ok {
		writeError(w, model.Errf(model.KindInternal, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var sub = s.cfg.Ring.Subscribe(filter)
	defer sub.Close()

	var heartbeat = time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case entry, open := <-sub.C:
			if !open {
				return
			}
			if err := writeSSE(w, "log", entry); err != nil {
				return
			}
			flusher.Flush()

		case <-sub.Dropped:
			_ = writeSSE(w, "error", map[string]string{
				"error": "subscriber fell behind and was dropped",
			})
			flusher.Flush()
			return

		case <-heartbeat.C:
			if err := writeSSE(w, "heartbeat", map[string]any{
				"ts":  time.Now().UTC().Format(time.RFC3339Nano),
				"seq": s.cfg.Ring.Seq(),
			}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	var data, err = json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

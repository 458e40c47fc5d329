package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/internal/model"
)

// unauthenticatedPaths may be fetched without a key. The cert download is
// here so a device's browser can install the CA without a header.
var unauthenticatedPaths = map[string]bool{
	"/health":            true,
	"/metrics":           true,
	"/api/v1/proxy/cert": true,
}

// authenticate enforces the API key on everything outside the allow-list.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unauthenticatedPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		var key = r.Header.Get("X-API-Key")
		if key == "" {
			if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
				key = strings.TrimPrefix(bearer, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			writeError(w, model.Errf(model.KindUnauthenticated, "missing or invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request at debug.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var start = time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(log.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"elapsed": time.Since(start).Round(time.Millisecond).String(),
		}).Debug("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("writing response")
	}
}

// writeError maps the error taxonomy onto HTTP statuses and a uniform body.
func writeError(w http.ResponseWriter, err error) {
	var e = model.AsError(err)
	var body = map[string]any{
		"error": e.Message,
		"kind":  string(e.Kind),
	}
	if e.Tool != "" {
		body["tool"] = e.Tool
	}
	if e.Hint != "" {
		body["hint"] = e.Hint
	}
	writeJSON(w, e.HTTPStatus(), body)
}

// decodeBody parses a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.Errf(model.KindValidation, "bad request body: %v", err)
	}
	return nil
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) int {
	var raw = r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	var v, err = strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// queryTimeout parses a timeout in seconds, clamped to the server ceiling.
func queryTimeout(r *http.Request, def time.Duration) time.Duration {
	var raw = r.URL.Query().Get("timeout")
	if raw == "" {
		return def
	}
	var secs, err = strconv.ParseFloat(raw, 64)
	if err != nil || secs <= 0 {
		return def
	}
	var d = time.Duration(secs * float64(time.Second))
	if d > maxWait {
		return maxWait
	}
	return d
}

// queryTime parses an RFC 3339 timestamp parameter.
func queryTime(r *http.Request, name string) time.Time {
	var raw = r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}
	}
	var t, err = time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

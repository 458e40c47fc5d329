package summary

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/ringlog"
)

// ErrorPattern is one deduplicated repeated error.
type ErrorPattern struct {
	Fingerprint string    `json:"fingerprint"`
	Pattern     string    `json:"pattern"`
	Example     string    `json:"example"`
	Count       int       `json:"count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Resolved    bool      `json:"resolved"` // a later success mentions the same subject
}

// LogSummary is the digest of a window of log entries.
type LogSummary struct {
	Window      string         `json:"window"`
	Counts      map[string]int `json:"counts_by_level"`
	Total       int            `json:"total"`
	TopErrors   []ErrorPattern `json:"top_errors,omitempty"`
	Lifecycle   []string       `json:"lifecycle_events,omitempty"`
	Prose       string         `json:"summary"`
	Cursor      string         `json:"cursor"`
	GeneratedAt time.Time      `json:"generated_at"`
}

var lifecycleMarkers = []string{"launch", "background", "foreground", "terminate", "did become active", "will resign active"}

// successMarkers drive resolution detection: a repeated error pattern
// followed inside the window by a success line sharing a token is marked
// resolved.
var successMarkers = []string{"success", "succeeded", "recovered", "connected", "restored", "200 ok"}

// Logs digests the given entries (append order) and returns the summary
// plus a cursor at the head of the stream.
func Logs(entries []model.LogEntry, cursor ringlog.Cursor, window string) *LogSummary {
	var s = &LogSummary{
		Window:      window,
		Counts:      map[string]int{},
		Total:       len(entries),
		Cursor:      cursor.Encode(),
		GeneratedAt: time.Now().UTC(),
	}

	var patterns = map[string]*ErrorPattern{}
	var successes []model.LogEntry

	for _, e := range entries {
		s.Counts[string(e.Level)]++

		var lower = strings.ToLower(e.Message)
		for _, marker := range lifecycleMarkers {
			if strings.Contains(lower, marker) {
				s.Lifecycle = append(s.Lifecycle, fmt.Sprintf("%s: %s", e.Process, truncate(e.Message, 120)))
				break
			}
		}
		for _, marker := range successMarkers {
			if strings.Contains(lower, marker) {
				successes = append(successes, e)
				break
			}
		}

		if !e.Level.AtLeast(model.LevelError) {
			continue
		}
		var norm = Normalize(e.Message)
		var p, ok = patterns[norm]
		if !ok {
			p = &ErrorPattern{
				Fingerprint: FingerprintHex(norm),
				Pattern:     norm,
				Example:     e.Message,
				FirstSeen:   e.Timestamp,
			}
			patterns[norm] = p
		}
		p.Count++
		p.LastSeen = e.Timestamp
	}

	for _, p := range patterns {
		p.Resolved = isResolved(p, successes)
		s.TopErrors = append(s.TopErrors, *p)
	}
	sort.Slice(s.TopErrors, func(i, j int) bool {
		if s.TopErrors[i].Count != s.TopErrors[j].Count {
			return s.TopErrors[i].Count > s.TopErrors[j].Count
		}
		return s.TopErrors[i].Pattern < s.TopErrors[j].Pattern
	})
	if len(s.TopErrors) > 10 {
		s.TopErrors = s.TopErrors[:10]
	}
	if len(s.Lifecycle) > 10 {
		s.Lifecycle = s.Lifecycle[len(s.Lifecycle)-10:]
	}

	s.Prose = logProse(s)
	return s
}

// isResolved looks for a success entry after the pattern's last occurrence
// that shares a distinctive token with the error.
func isResolved(p *ErrorPattern, successes []model.LogEntry) bool {
	var tokens = distinctiveTokens(p.Pattern)
	for _, e := range successes {
		if !e.Timestamp.After(p.LastSeen) {
			continue
		}
		var lower = strings.ToLower(e.Message)
		for _, tok := range tokens {
			if strings.Contains(lower, tok) {
				return true
			}
		}
	}
	return false
}

func distinctiveTokens(pattern string) []string {
	var out []string
	for _, tok := range strings.Fields(strings.ToLower(pattern)) {
		tok = strings.Trim(tok, ".,:;()[]\"'")
		if len(tok) >= 5 && tok != "<uuid>" && tok != "<addr>" && !strings.Contains(tok, "<n>") {
			out = append(out, tok)
		}
	}
	return out
}

func logProse(s *LogSummary) string {
	var b strings.Builder

	var errs = s.Counts[string(model.LevelError)] + s.Counts[string(model.LevelFault)]
	var warns = s.Counts[string(model.LevelWarning)]
	fmt.Fprintf(&b, "%d log entries in %s: %d errors, %d warnings.", s.Total, s.Window, errs, warns)

	if len(s.TopErrors) != 0 {
		var top = s.TopErrors[0]
		fmt.Fprintf(&b, " Most frequent error (%dx): %s.", top.Count, truncate(top.Example, 160))
		var resolved int
		for _, p := range s.TopErrors {
			if p.Resolved {
				resolved++
			}
		}
		if resolved != 0 {
			fmt.Fprintf(&b, " %d of %d error patterns appear resolved by later successes.", resolved, len(s.TopErrors))
		}
	} else if s.Total > 0 {
		b.WriteString(" No errors observed.")
	}

	if len(s.Lifecycle) != 0 {
		fmt.Fprintf(&b, " %d app lifecycle events observed.", len(s.Lifecycle))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

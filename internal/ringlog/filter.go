package ringlog

import (
	"strings"
	"time"

	"github.com/quernlabs/quern/internal/model"
)

// Filter selects log entries. The zero Filter matches everything.
type Filter struct {
	Level       model.LogLevel    // severity floor
	Process     string            // exact match
	Subsystem   string            // exact match
	Category    string            // exact match
	Sources     []model.LogSource // set membership
	DeviceID    string            // exact match
	Search      string            // case-insensitive substring of message
	Exclude     string            // case-insensitive substring to reject
	Since       time.Time
	Until       time.Time
	SinceCursor Cursor // entries strictly after this cursor
}

// Match reports whether the entry passes every populated criterion.
func (f Filter) Match(e model.LogEntry) bool {
	if f.Level != "" && !e.Level.AtLeast(f.Level) {
		return false
	}
	if f.Process != "" && e.Process != f.Process {
		return false
	}
	if f.Subsystem != "" && e.Subsystem != f.Subsystem {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.DeviceID != "" && e.DeviceID != f.DeviceID {
		return false
	}
	if len(f.Sources) != 0 {
		var ok bool
		for _, s := range f.Sources {
			if e.Source == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(f.Search)) {
		return false
	}
	if f.Exclude != "" && strings.Contains(strings.ToLower(e.Message), strings.ToLower(f.Exclude)) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.SinceCursor.Seq != 0 && e.Seq <= f.SinceCursor.Seq {
		return false
	}
	return true
}

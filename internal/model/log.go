// Package model holds the typed entities shared across Quern's subsystems:
// log entries, captured flows, devices, UI elements, crash and build reports,
// and the error taxonomy the HTTP layer maps onto status codes.
package model

import (
	"strings"
	"time"
)

// LogLevel is the severity of a LogEntry.
type LogLevel string

const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelNotice  LogLevel = "notice"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
	LevelFault   LogLevel = "fault"
)

var levelRank = map[LogLevel]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelNotice:  2,
	LevelWarning: 3,
	LevelError:   4,
	LevelFault:   5,
}

// Rank orders levels for floor filtering. Unknown levels rank as info.
func (l LogLevel) Rank() int {
	if r, ok := levelRank[l]; ok {
		return r
	}
	return levelRank[LevelInfo]
}

// AtLeast is true if l is at or above the |floor| severity.
func (l LogLevel) AtLeast(floor LogLevel) bool { return l.Rank() >= floor.Rank() }

// ParseLevel maps a syslog or unified-log level token to a LogLevel.
// Unknown tokens map to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "default":
		return LevelInfo
	case "notice":
		return LevelNotice
	case "warning", "warn":
		return LevelWarning
	case "error", "emergency", "alert", "critical", "err":
		return LevelError
	case "fault":
		return LevelFault
	default:
		return LevelInfo
	}
}

// LogSource identifies the origin of a LogEntry.
type LogSource string

const (
	SourceSyslog    LogSource = "syslog"
	SourceOSLog     LogSource = "oslog"
	SourceSimulator LogSource = "simulator"
	SourceDevice    LogSource = "device"
	SourceCrash     LogSource = "crash"
	SourceBuild     LogSource = "build"
	SourceProxy     LogSource = "proxy"
)

// LogEntry is a single normalized log record. Entries are immutable once
// appended to the ring buffer; Seq is assigned at append time and is
// monotone within a server process.
type LogEntry struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Source    LogSource `json:"source"`
	DeviceID  string    `json:"device_id,omitempty"`
	Process   string    `json:"process,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Subsystem string    `json:"subsystem,omitempty"`
	Category  string    `json:"category,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw,omitempty"`
}

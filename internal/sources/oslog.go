package sources

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/tool"
)

// OSLogAdapter streams the unified log of a booted simulator via
// `xcrun simctl spawn <udid> log stream --style ndjson`, or the host's
// unified log when UDID is empty.
type OSLogAdapter struct {
	UDID      string
	Predicate string // raw NSPredicate; built from the filter fields when empty
	BundleID  string
	Subsystem string
	Level     model.LogLevel
	Source    model.LogSource // SourceOSLog or SourceSimulator
	Emit      EmitFunc

	mu      sync.Mutex
	proc    *tool.Process
	cancel  context.CancelFunc
	state   State
	reason  string
	entries atomic.Uint64
}

// Name implements Adapter.
func (a *OSLogAdapter) Name() string {
	if a.UDID == "" {
		return "oslog"
	}
	return "oslog:" + a.UDID
}

func (a *OSLogAdapter) source() model.LogSource {
	if a.Source != "" {
		return a.Source
	}
	return model.SourceOSLog
}

// Start spawns the log stream.
func (a *OSLogAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateRunning {
		return nil
	}

	var args []string
	if a.UDID != "" {
		args = []string{"simctl", "spawn", a.UDID, "log", "stream", "--style", "ndjson"}
	} else {
		args = []string{"log", "stream", "--style", "ndjson"}
	}
	var level = "default"
	if a.Level == model.LevelDebug {
		level = "debug"
	}
	args = append(args, "--level", level)
	if pred := a.predicate(); pred != "" {
		args = append(args, "--predicate", pred)
	}

	ctx, cancel := context.WithCancel(ctx)
	proc, err := tool.Stream(ctx, tool.StreamSpec{Binary: "xcrun", Args: args})
	if err != nil {
		cancel()
		if tool.IsMissing(err) {
			a.state, a.reason = StateDisabled, err.Error()
			return nil
		}
		a.state, a.reason = StateFailed, err.Error()
		return err
	}

	a.proc, a.cancel = proc, cancel
	a.state, a.reason = StateRunning, ""

	go func() {
		for line := range proc.Lines {
			var e, ok = a.parseLine(line)
			if !ok {
				continue
			}
			a.entries.Add(1)
			a.Emit(e)
		}
		if err := <-proc.Done; err != nil {
			a.mu.Lock()
			if a.state == StateRunning {
				a.state, a.reason = StateFailed, err.Error()
			}
			a.mu.Unlock()
			log.WithError(err).WithField("adapter", a.Name()).Warn("log stream exited")
		}
	}()
	return nil
}

// predicate assembles the NSPredicate filter. Groups are ANDed; values
// within a group would be ORed, mirroring how the tool narrows results.
func (a *OSLogAdapter) predicate() string {
	if a.Predicate != "" {
		return a.Predicate
	}
	var clauses []string
	if a.BundleID != "" {
		// Apps rarely log under the bundle id itself; they use it as a
		// subsystem prefix (com.example.app.networking). A prefix match
		// catches those without losing the exact-match case.
		clauses = append(clauses, `subsystem BEGINSWITH "`+a.BundleID+`"`)
	}
	if a.Subsystem != "" {
		clauses = append(clauses, `subsystem == "`+a.Subsystem+`"`)
	}
	return strings.Join(clauses, " AND ")
}

// oslogEvent is the subset of the ndjson schema Quern consumes.
type oslogEvent struct {
	EventType        string `json:"eventType"`
	EventMessage     string `json:"eventMessage"`
	MessageType      string `json:"messageType"`
	Timestamp        string `json:"timestamp"`
	Subsystem        string `json:"subsystem"`
	Category         string `json:"category"`
	ProcessImagePath string `json:"processImagePath"`
	ProcessID        int    `json:"processID"`
}

func (a *OSLogAdapter) parseLine(line string) (model.LogEntry, bool) {
	var ev oslogEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return model.LogEntry{}, false
	}
	if ev.EventType != "" && ev.EventType != "logEvent" {
		return model.LogEntry{}, false // state dumps, activity events
	}
	if ev.EventMessage == "" {
		return model.LogEntry{}, false
	}

	var ts, err = time.Parse("2006-01-02 15:04:05.000000-0700", ev.Timestamp)
	if err != nil {
		ts = time.Now()
	}
	return model.LogEntry{
		Timestamp: ts.UTC(),
		Level:     model.ParseLevel(ev.MessageType),
		Source:    a.source(),
		DeviceID:  a.UDID,
		Process:   filepath.Base(ev.ProcessImagePath),
		PID:       ev.ProcessID,
		Subsystem: ev.Subsystem,
		Category:  ev.Category,
		Message:   ev.EventMessage,
	}, true
}

// Stop terminates the stream.
func (a *OSLogAdapter) Stop() error {
	a.mu.Lock()
	var proc, cancel = a.proc, a.cancel
	a.proc, a.cancel = nil, nil
	if a.state == StateRunning {
		a.state = StateStopped
	}
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if proc != nil {
		proc.Terminate(2 * time.Second)
	}
	return nil
}

// Status implements Adapter.
func (a *OSLogAdapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		Name:     a.Name(),
		State:    a.state,
		Reason:   a.reason,
		DeviceID: a.UDID,
		Entries:  a.entries.Load(),
	}
}

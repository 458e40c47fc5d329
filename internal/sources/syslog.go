package sources

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/tool"
)

// syslogLine matches idevicesyslog output:
//
//	Feb  7 14:23:01 iPhone MyApp(CoreFoundation)[1234] <Error>: Failed to fetch
var syslogLine = regexp.MustCompile(
	`^(\w{3}\s+\d{1,2} \d{2}:\d{2}:\d{2})\s+(\S+)\s+([^([\s]+)\(([^)]*)\)\[(\d+)\]\s+<(\w+)>:\s?(.*)$`)

// SyslogAdapter streams idevicesyslog for one physical device (or all
// devices when UDID is empty) into the ring buffer.
type SyslogAdapter struct {
	UDID string
	Emit EmitFunc

	mu      sync.Mutex
	proc    *tool.Process
	cancel  context.CancelFunc
	state   State
	reason  string
	entries atomic.Uint64
}

// Name implements Adapter.
func (a *SyslogAdapter) Name() string {
	if a.UDID == "" {
		return "syslog"
	}
	return "syslog:" + a.UDID
}

// Start spawns idevicesyslog and begins parsing. A missing binary disables
// the adapter rather than failing the server.
func (a *SyslogAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateRunning {
		return nil
	}

	var args []string
	if a.UDID != "" {
		args = append(args, "-u", a.UDID)
	}

	ctx, cancel := context.WithCancel(ctx)
	proc, err := tool.Stream(ctx, tool.StreamSpec{Binary: "idevicesyslog", Args: args})
	if err != nil {
		cancel()
		if tool.IsMissing(err) {
			a.state, a.reason = StateDisabled, err.Error()
			log.WithField("adapter", a.Name()).Warn("idevicesyslog not found; syslog adapter disabled")
			return nil
		}
		a.state, a.reason = StateFailed, err.Error()
		return err
	}

	a.proc, a.cancel = proc, cancel
	a.state, a.reason = StateRunning, ""

	go func() {
		for line := range proc.Lines {
			var e = ParseSyslogLine(line)
			e.DeviceID = a.UDID
			a.entries.Add(1)
			a.Emit(e)
		}
		if err := <-proc.Done; err != nil {
			a.mu.Lock()
			if a.state == StateRunning {
				a.state, a.reason = StateFailed, err.Error()
			}
			a.mu.Unlock()
			log.WithError(err).Warn("idevicesyslog exited")
		}
	}()
	return nil
}

// Stop terminates the stream.
func (a *SyslogAdapter) Stop() error {
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
func (a *SyslogAdapter) Status() Status {
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

// ParseSyslogLine parses one device syslog line. Lines that don't match the
// documented shape become level=info entries carrying the raw text.
func ParseSyslogLine(line string) model.LogEntry {
	var m = syslogLine.FindStringSubmatch(line)
	if m == nil {
		return model.LogEntry{
			Level:   model.LevelInfo,
			Source:  model.SourceSyslog,
			Message: line,
			Raw:     line,
		}
	}

	var pid, _ = strconv.Atoi(m[5])
	return model.LogEntry{
		Timestamp: parseSyslogTime(m[1]),
		Source:    model.SourceSyslog,
		DeviceID:  m[2],
		Process:   m[3],
		Subsystem: m[4],
		PID:       pid,
		Level:     model.ParseLevel(m[6]),
		Message:   m[7],
	}
}

// parseSyslogTime resolves the year-less syslog timestamp against the
// current year, normalized to UTC. A stamp that lands in the future (a
// December line read in January) is shifted back a year.
func parseSyslogTime(s string) time.Time {
	var now = time.Now()
	var t, err = time.ParseInLocation("Jan 2 15:04:05", normalizeSpaces(s), time.Local)
	if err != nil {
		return now.UTC()
	}
	t = t.AddDate(now.Year(), 0, 0)
	if t.After(now.Add(24 * time.Hour)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t.UTC()
}

func normalizeSpaces(s string) string {
	var out []byte
	var prevSpace bool
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			if prevSpace {
				continue
			}
			prevSpace = true
		} else {
			prevSpace = false
		}
		out = append(out, s[i])
	}
	return string(out)
}

package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/internal/model"
)

// hookWallClock bounds a crash hook's run time. Hooks run detached and
// never block ingest.
const hookWallClock = 60 * time.Second

// CrashWatcher watches a diagnostic-reports directory for new .ips/.crash
// files, parses them, and emits level=error entries. An optional hook
// command receives each report as JSON on stdin; an optional spool persists
// reports to sqlite.
type CrashWatcher struct {
	Dir     string // defaults to ~/Library/Logs/DiagnosticReports
	HookCmd string // shell command, run detached per report
	Spool   *CrashSpool
	Emit    EmitFunc

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	state   State
	reason  string
	entries atomic.Uint64
	seen    map[string]struct{}

	latestMu sync.Mutex
	latest   *model.CrashReport
}

// Name implements Adapter.
func (w *CrashWatcher) Name() string { return "crash" }

// Start begins watching the reports directory.
func (w *CrashWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateRunning {
		return nil
	}
	if w.Dir == "" {
		var home, _ = os.UserHomeDir()
		w.Dir = filepath.Join(home, "Library", "Logs", "DiagnosticReports")
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		w.state, w.reason = StateFailed, err.Error()
		return fmt.Errorf("creating reports dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.state, w.reason = StateFailed, err.Error()
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err = watcher.Add(w.Dir); err != nil {
		_ = watcher.Close()
		w.state, w.reason = StateFailed, err.Error()
		return fmt.Errorf("watching %s: %w", w.Dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.watcher, w.cancel = watcher, cancel
	w.state, w.reason = StateRunning, ""
	w.seen = make(map[string]struct{})

	go w.run(ctx, watcher)
	return nil
}

func (w *CrashWatcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !isCrashFile(ev.Name) {
				continue
			}

			w.mu.Lock()
			var _, dup = w.seen[ev.Name]
			w.seen[ev.Name] = struct{}{}
			w.mu.Unlock()
			if dup {
				continue
			}

			// Reports are written incrementally; give the writer a beat.
			time.Sleep(200 * time.Millisecond)
			w.ingest(ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("crash watcher error")
		}
	}
}

func isCrashFile(path string) bool {
	var ext = strings.ToLower(filepath.Ext(path))
	return ext == ".ips" || ext == ".crash"
}

func (w *CrashWatcher) ingest(path string) {
	var report, err = ParseCrashFile(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("failed to parse crash report")
		return
	}

	w.latestMu.Lock()
	w.latest = report
	w.latestMu.Unlock()

	if w.Spool != nil {
		if err := w.Spool.Insert(report); err != nil {
			log.WithError(err).Warn("crash spool insert failed")
		}
	}

	w.entries.Add(1)
	w.Emit(model.LogEntry{
		ID:        report.ID,
		Timestamp: report.Timestamp,
		Level:     model.LevelError,
		Source:    model.SourceCrash,
		DeviceID:  report.DeviceID,
		Process:   report.Process,
		Message: fmt.Sprintf("%s crashed: %s (%s)",
			report.Process, report.ExceptionType, report.Signal),
	})

	if w.HookCmd != "" {
		go w.runHook(report)
	}
}

// runHook pipes the report JSON to the configured command's stdin. The hook
// is detached from the server's lifecycle and hard-bounded at 60 seconds.
func (w *CrashWatcher) runHook(report *model.CrashReport) {
	var payload, err = json.Marshal(report)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hookWallClock)
	defer cancel()

	var cmd = exec.CommandContext(ctx, "/bin/sh", "-c", w.HookCmd)
	cmd.Stdin = strings.NewReader(string(payload))
	if out, err := cmd.CombinedOutput(); err != nil {
		log.WithError(err).WithField("output", firstN(string(out), 500)).Warn("crash hook failed")
	}
}

func firstN(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Latest returns the most recently ingested report.
func (w *CrashWatcher) Latest() *model.CrashReport {
	w.latestMu.Lock()
	defer w.latestMu.Unlock()
	return w.latest
}

// Stop ends the watch.
func (w *CrashWatcher) Stop() error {
	w.mu.Lock()
	var watcher, cancel = w.watcher, w.cancel
	w.watcher, w.cancel = nil, nil
	if w.state == StateRunning {
		w.state = StateStopped
	}
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	return nil
}

// Status implements Adapter.
func (w *CrashWatcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{Name: w.Name(), State: w.state, Reason: w.reason, Entries: w.entries.Load()}
}

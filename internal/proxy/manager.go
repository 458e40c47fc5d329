package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/internal/flowstore"
	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/ringlog"
	"github.com/quernlabs/quern/internal/tool"
)

// State is the lifecycle phase of the interception subprocess.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StateCrashed State = "crashed"
)

// stopGrace is how long Stop waits for mitmdump to exit before killing it.
const stopGrace = 5 * time.Second

var (
	proxyFlows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quern_proxy_flow_events_total",
		Help: "Count of flow events received from the interceptor.",
	})
	proxyCrashes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quern_proxy_crashes_total",
		Help: "Count of unexpected interceptor exits.",
	})
)

// Status is the externally visible proxy state.
type Status struct {
	State           State  `json:"state"`
	Port            int    `json:"port,omitempty"`
	PID             int    `json:"pid,omitempty"`
	ClientConnected bool   `json:"client_connected"`
	LocalCapture    bool   `json:"local_capture"`
	HeldFlows       int    `json:"held_flows"`
	Intercepts      int    `json:"intercepts"`
	Mocks           int    `json:"mocks"`
	Error           string `json:"error,omitempty"`
}

// Config carries the manager's wiring.
type Config struct {
	ConfigDir string // addon script and mitmproxy CA live under here
	Port      int
	Ring      *ringlog.Buffer
	Flows     *flowstore.Store

	// OnCrash is invoked (once per crash) when the interceptor exits
	// unexpectedly, after status has flipped to crashed. Used by the daemon
	// to persist the new state. May be nil.
	OnCrash func()
}

// Manager owns at most one interceptor process and the server-side mirror
// of its rule state.
type Manager struct {
	cfg   Config
	rules *ruleMirror
	held  *heldTable
	sys   *SystemProxy

	mu        sync.Mutex
	proc      *tool.Process
	cancel    context.CancelFunc
	state     State
	connected bool
	local     bool
	lastErr   string
	stdinMu   sync.Mutex
}

// NewManager wires a stopped manager.
func NewManager(cfg Config) *Manager {
	var m = &Manager{cfg: cfg, rules: newRuleMirror(), state: StateStopped, sys: NewSystemProxy()}
	m.held = newHeldTable(func(flowID string) {
		// Deadline fired: forward unchanged.
		if err := m.Release(flowID, nil); err != nil {
			log.WithError(err).WithField("flow_id", flowID).Warn("auto-release failed")
		}
	})
	return m
}

// SystemProxy exposes the host proxy configuration surface.
func (m *Manager) SystemProxy() *SystemProxy { return m.sys }

// OnCrashFunc installs the crash callback after construction; the daemon
// needs the manager built before it can close over shared state.
func (m *Manager) OnCrashFunc(fn func()) {
	m.mu.Lock()
	m.cfg.OnCrash = fn
	m.mu.Unlock()
}

// Status snapshots the subsystem state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s = Status{
		State:           m.state,
		Port:            m.cfg.Port,
		ClientConnected: m.connected,
		LocalCapture:    m.local,
		HeldFlows:       len(m.held.list()),
		Intercepts:      len(m.rules.Intercepts()),
		Mocks:           len(m.rules.Mocks()),
		Error:           m.lastErr,
	}
	if m.proc != nil {
		s.PID = m.proc.Pid()
	}
	return s
}

// Start spawns mitmdump with the companion addon. The process lifetime is
// owned by the manager, not the caller's request. Starting a running
// subsystem is a conflict.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.state == StateRunning {
		m.mu.Unlock()
		return model.Errf(model.KindConflict, "proxy already running on port %d", m.cfg.Port)
	}
	m.mu.Unlock()

	addon, err := writeAddon(m.cfg.ConfigDir)
	if err != nil {
		return fmt.Errorf("writing interceptor addon: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	proc, err := tool.Stream(runCtx, tool.StreamSpec{
		Binary: "mitmdump",
		Args: []string{
			"-q",
			"--listen-port", strconv.Itoa(m.cfg.Port),
			"-s", addon,
			"--set", "confdir=" + m.cfg.ConfigDir,
		},
	})
	if err != nil {
		cancel()
		return err
	}

	m.mu.Lock()
	m.proc = proc
	m.cancel = cancel
	m.state = StateRunning
	m.connected = false
	m.lastErr = ""
	m.mu.Unlock()

	go m.readEvents(proc)
	go m.watchdog(proc)

	log.WithFields(log.Fields{"port": m.cfg.Port, "pid": proc.Pid()}).Info("proxy started")
	return nil
}

// Stop terminates the interceptor and clears held-flow timers. Stopping a
// stopped subsystem is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	var proc, cancel = m.proc, m.cancel
	m.proc, m.cancel = nil, nil
	m.state = StateStopped
	m.connected = false
	m.mu.Unlock()

	m.held.stopAll()
	if proc != nil {
		proc.Terminate(stopGrace)
	}
	if cancel != nil {
		cancel()
	}
	log.Info("proxy stopped")
}

// watchdog flips status to crashed on unexpected exit. No automatic
// restart: the operator decides.
func (m *Manager) watchdog(proc *tool.Process) {
	var err = <-proc.Done

	m.mu.Lock()
	// A deliberate Stop already cleared m.proc; only an unexpected exit
	// still owns it.
	var unexpected = m.proc == proc
	var onCrash = m.cfg.OnCrash
	if unexpected {
		m.proc, m.state = nil, StateCrashed
		if err != nil {
			m.lastErr = err.Error()
		} else {
			m.lastErr = "interceptor exited: " + firstNonEmpty(proc.StderrPrefix(), "no stderr")
		}
	}
	m.mu.Unlock()

	if !unexpected {
		return
	}
	proxyCrashes.Inc()
	log.WithField("stderr", proc.StderrPrefix()).Error("interceptor exited unexpectedly")
	m.held.stopAll()
	if onCrash != nil {
		onCrash()
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// readEvents is the single consumer of interceptor stdout.
func (m *Manager) readEvents(proc *tool.Process) {
	for line := range proc.Lines {
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			log.WithError(err).WithField("line", truncate(line, 200)).
				Debug("unparseable interceptor line")
			continue
		}
		switch ev.Type {
		case "flow":
			m.handleFlow(ev.Flow)
		case "status":
			m.handleStatus(ev)
		}
	}
}

// handleFlow stores the record then appends the paired summary entry. The
// store write happens first so a reader following the log entry always
// finds the detail record.
func (m *Manager) handleFlow(flow *model.FlowRecord) {
	if flow == nil {
		return
	}
	proxyFlows.Inc()
	m.cfg.Flows.Add(flow)

	var level = model.LevelInfo
	if flow.Status == model.FlowFailed {
		level = model.LevelError
	}
	m.cfg.Ring.Append(model.LogEntry{
		ID:        flow.ID,
		Timestamp: flow.Timestamp,
		Level:     level,
		Source:    model.SourceProxy,
		Process:   flow.Request.Host,
		Message:   flow.Summary(),
		DeviceID:  flow.DeviceID,
	})
}

func (m *Manager) handleStatus(ev event) {
	switch ev.Status {
	case "started":
		log.Info("interceptor reported ready")
	case "client_connected":
		m.mu.Lock()
		m.connected = true
		m.mu.Unlock()
	case "held":
		if flow, ok := m.cfg.Flows.Get(ev.FlowID); ok {
			m.held.add(flow, ev.Phase)
		} else {
			log.WithField("flow_id", ev.FlowID).Warn("held notification for unknown flow")
		}
	case "rule_echo":
		if m.rules.absorbEcho(ev.RuleID) {
			return // self-originated; the mirror is already newer
		}
		log.WithField("rule_id", ev.RuleID).Debug("interceptor-originated rule change")
	case "error":
		log.WithField("detail", ev.Detail).Warn("interceptor error")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// send writes one command line to the interceptor stdin.
func (m *Manager) send(c command) error {
	m.mu.Lock()
	var proc = m.proc
	var state = m.state
	m.mu.Unlock()

	if proc == nil {
		if state == StateCrashed {
			return model.ToolErrf(model.KindDegraded, "mitm", "proxy crashed; restart it first")
		}
		return model.ToolErrf(model.KindDegraded, "mitm", "proxy is not running")
	}

	m.stdinMu.Lock()
	defer m.stdinMu.Unlock()
	var _, err = proc.Stdin.Write(marshalCommand(c))
	if err != nil {
		return model.ToolErrf(model.KindSubprocessFailed, "mitm", "writing command: %v", err)
	}
	return nil
}

// SetIntercept installs an intercept rule and returns it.
func (m *Manager) SetIntercept(pattern string, action InterceptAction) (*InterceptRule, error) {
	if pattern == "" {
		return nil, model.Errf(model.KindValidation, "intercept pattern is required")
	}
	if action == "" {
		action = PauseRequest
	}
	var rule = &InterceptRule{
		ID:        uuid.NewString(),
		Pattern:   pattern,
		Action:    action,
		CreatedAt: time.Now().UTC(),
	}
	m.rules.markOriginated(rule.ID)
	if err := m.send(command{Command: "set_intercept", RuleID: rule.ID,
		Pattern: pattern, Action: string(action)}); err != nil {
		return nil, err
	}
	m.rules.putIntercept(rule)
	return rule, nil
}

// ClearIntercept removes one rule, or all when ruleID is empty.
func (m *Manager) ClearIntercept(ruleID string) error {
	m.rules.markOriginated(ruleID)
	if err := m.send(command{Command: "clear_intercept", RuleID: ruleID}); err != nil {
		return err
	}
	m.rules.removeIntercept(ruleID)
	return nil
}

// Intercepts lists the mirror's intercept rules.
func (m *Manager) Intercepts() []*InterceptRule { return m.rules.Intercepts() }

// SetMock installs a mock rule.
func (m *Manager) SetMock(pattern string, statusCode int, headers []model.Header, body string) (*MockRule, error) {
	if pattern == "" {
		return nil, model.Errf(model.KindValidation, "mock pattern is required")
	}
	if statusCode == 0 {
		statusCode = 200
	}
	var now = time.Now().UTC()
	var rule = &MockRule{
		ID:         uuid.NewString(),
		Pattern:    pattern,
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.rules.markOriginated(rule.ID)
	if err := m.send(command{Command: "set_mock", RuleID: rule.ID, Pattern: pattern,
		StatusCode: statusCode, Headers: headers, Body: body}); err != nil {
		return nil, err
	}
	m.rules.putMock(rule)
	return rule, nil
}

// UpdateMock merge-patches an existing mock. The patch is standard JSON
// merge-patch over the rule document; pattern, status_code, headers, and
// body may change, the id may not.
func (m *Manager) UpdateMock(ruleID string, patch []byte) (*MockRule, error) {
	var prior, ok = m.rules.getMock(ruleID)
	if !ok {
		return nil, model.Errf(model.KindNotFound, "no mock rule %s", ruleID)
	}

	priorDoc, err := json.Marshal(prior)
	if err != nil {
		return nil, err
	}
	merged, err := jsonpatch.MergePatch(priorDoc, patch)
	if err != nil {
		return nil, model.Errf(model.KindValidation, "bad mock patch: %v", err)
	}
	var next MockRule
	if err = json.Unmarshal(merged, &next); err != nil {
		return nil, model.Errf(model.KindValidation, "bad mock patch: %v", err)
	}
	next.ID = prior.ID
	next.CreatedAt = prior.CreatedAt
	next.UpdatedAt = time.Now().UTC()

	m.rules.markOriginated(next.ID)
	if err = m.send(command{Command: "update_mock", RuleID: next.ID, Pattern: next.Pattern,
		StatusCode: next.StatusCode, Headers: next.Headers, Body: next.Body}); err != nil {
		return nil, err
	}
	m.rules.putMock(&next)
	return &next, nil
}

// ClearMocks removes one mock, or all when ruleID is empty.
func (m *Manager) ClearMocks(ruleID string) error {
	m.rules.markOriginated(ruleID)
	if err := m.send(command{Command: "clear_mocks", RuleID: ruleID}); err != nil {
		return err
	}
	m.rules.removeMocks(ruleID)
	return nil
}

// Mocks lists the mirror's mock rules.
func (m *Manager) Mocks() []*MockRule { return m.rules.Mocks() }

// Held returns the currently held flows.
func (m *Manager) Held() []*HeldFlow { return m.held.list() }

// WaitHeld long-polls for held flows.
func (m *Manager) WaitHeld(ctx context.Context, timeout time.Duration) []*HeldFlow {
	return m.held.wait(ctx, timeout)
}

// Release forwards a held flow, optionally with modifications.
func (m *Manager) Release(flowID string, mods *Modifications) error {
	if !m.held.remove(flowID) {
		return model.Errf(model.KindNotFound, "flow %s is not held", flowID)
	}
	return m.send(command{Command: "release", FlowID: flowID, Modifications: mods})
}

// Drop kills a held flow.
func (m *Manager) Drop(flowID string) error {
	if !m.held.remove(flowID) {
		return model.Errf(model.KindNotFound, "flow %s is not held", flowID)
	}
	return m.send(command{Command: "drop", FlowID: flowID})
}

// Replay re-sends a captured flow's request, optionally modified. The new
// flow arrives through the normal event stream under the returned id.
func (m *Manager) Replay(flowID string, mods *Modifications) (string, error) {
	if _, ok := m.cfg.Flows.Get(flowID); !ok {
		return "", model.Errf(model.KindNotFound, "no flow %s", flowID)
	}
	var replayID = uuid.NewString()
	if err := m.send(command{Command: "replay", FlowID: flowID,
		ReplayID: replayID, Modifications: mods}); err != nil {
		return "", err
	}
	return replayID, nil
}

// SetFilter pushes a capture filter expression to the interceptor.
func (m *Manager) SetFilter(expr string) error {
	return m.send(command{Command: "set_filter", Filter: expr})
}

// SetLocalCapture toggles capture of local (host-originated) traffic.
func (m *Manager) SetLocalCapture(enabled bool) error {
	if err := m.send(command{Command: "set_local_capture", Enabled: &enabled}); err != nil {
		return err
	}
	m.mu.Lock()
	m.local = enabled
	m.mu.Unlock()
	return nil
}

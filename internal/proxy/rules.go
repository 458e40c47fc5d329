package proxy

import (
	"sort"
	"sync"
	"time"

	"github.com/quernlabs/quern/internal/model"
)

// InterceptAction is where a matched flow pauses.
type InterceptAction string

const (
	PauseRequest  InterceptAction = "pause_request"
	PauseResponse InterceptAction = "pause_response"
)

// InterceptRule holds matched flows at the configured phase.
type InterceptRule struct {
	ID        string          `json:"id"`
	Pattern   string          `json:"pattern"`
	Action    InterceptAction `json:"action"`
	CreatedAt time.Time       `json:"created_at"`
}

// MockRule short-circuits matched flows with a synthesized response. Mocks
// beat intercepts: a mocked flow never enters the held table.
type MockRule struct {
	ID         string         `json:"id"`
	Pattern    string         `json:"pattern"`
	StatusCode int            `json:"status_code"`
	Headers    []model.Header `json:"headers,omitempty"`
	Body       string         `json:"body,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ruleMirror is the server-side copy of interceptor rule state. The server
// is the single writer; echoes from the interceptor for rules the server
// originated are dropped so a racing echo cannot clobber a newer write.
type ruleMirror struct {
	mu         sync.Mutex
	intercepts map[string]*InterceptRule
	mocks      map[string]*MockRule
	originated map[string]struct{} // rule ids pending an echo we must ignore
}

func newRuleMirror() *ruleMirror {
	return &ruleMirror{
		intercepts: make(map[string]*InterceptRule),
		mocks:      make(map[string]*MockRule),
		originated: make(map[string]struct{}),
	}
}

// markOriginated records that the next echo for this rule id is ours.
func (m *ruleMirror) markOriginated(ruleID string) {
	m.mu.Lock()
	m.originated[ruleID] = struct{}{}
	m.mu.Unlock()
}

// absorbEcho consumes one echo. It returns true when the echo was
// self-originated and must not touch the mirror.
func (m *ruleMirror) absorbEcho(ruleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.originated[ruleID]; ok {
		delete(m.originated, ruleID)
		return true
	}
	return false
}

func (m *ruleMirror) putIntercept(r *InterceptRule) {
	m.mu.Lock()
	m.intercepts[r.ID] = r
	m.mu.Unlock()
}

func (m *ruleMirror) removeIntercept(ruleID string) {
	m.mu.Lock()
	if ruleID == "" {
		m.intercepts = make(map[string]*InterceptRule)
	} else {
		delete(m.intercepts, ruleID)
	}
	m.mu.Unlock()
}

func (m *ruleMirror) putMock(r *MockRule) {
	m.mu.Lock()
	m.mocks[r.ID] = r
	m.mu.Unlock()
}

func (m *ruleMirror) getMock(ruleID string) (*MockRule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var r, ok = m.mocks[ruleID]
	return r, ok
}

func (m *ruleMirror) removeMocks(ruleID string) {
	m.mu.Lock()
	if ruleID == "" {
		m.mocks = make(map[string]*MockRule)
	} else {
		delete(m.mocks, ruleID)
	}
	m.mu.Unlock()
}

// Intercepts returns the current intercept rules, oldest first.
func (m *ruleMirror) Intercepts() []*InterceptRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out = make([]*InterceptRule, 0, len(m.intercepts))
	for _, r := range m.intercepts {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Mocks returns the current mock rules, oldest first.
func (m *ruleMirror) Mocks() []*MockRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out = make([]*MockRule, 0, len(m.mocks))
	for _, r := range m.mocks {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

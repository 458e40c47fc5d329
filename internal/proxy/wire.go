// Package proxy owns the interception subprocess: one mitmdump instance
// with a companion addon, brokered over a JSON-lines control plane on its
// stdio. Captured flows land in the flow store with a paired one-line
// summary in the ring buffer.
package proxy

import (
	"encoding/json"

	"github.com/quernlabs/quern/internal/model"
)

// event is one line of interceptor stdout. Flow events carry a full record;
// status events carry a lifecycle or rule notification.
type event struct {
	Type string `json:"type"` // flow | status

	// Flow payload, shaped exactly like model.FlowRecord.
	Flow *model.FlowRecord `json:"flow,omitempty"`

	// Status payload.
	Status string `json:"status,omitempty"` // started | client_connected | error | rule_echo | held
	Detail string `json:"detail,omitempty"`
	RuleID string `json:"rule_id,omitempty"`
	FlowID string `json:"flow_id,omitempty"`
	Phase  string `json:"phase,omitempty"` // request | response
}

// command is one line of interceptor stdin.
type command struct {
	Command string `json:"command"`

	RuleID  string `json:"rule_id,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Action  string `json:"action,omitempty"` // pause_request | pause_response

	StatusCode int            `json:"status_code,omitempty"`
	Headers    []model.Header `json:"headers,omitempty"`
	Body       string         `json:"body,omitempty"`

	FlowID        string         `json:"flow_id,omitempty"`
	Modifications *Modifications `json:"modifications,omitempty"`

	Filter  string `json:"filter,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`

	ReplayID string `json:"replay_id,omitempty"`
}

// Modifications overrides parts of a held or replayed request/response.
type Modifications struct {
	Headers    []model.Header `json:"headers,omitempty"`
	Body       *string        `json:"body,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	URL        string         `json:"url,omitempty"`
}

func marshalCommand(c command) []byte {
	var b, _ = json.Marshal(c)
	return append(b, '\n')
}

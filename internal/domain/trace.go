package domain

import "time"

// Trace event types.
const (
	EventThought    = "thought"
	EventScanStatus = "scan_status"
)

// TraceEvent is one captured reasoning step, or a terminal scan status
// notification sent to live observers.
type TraceEvent struct {
	ID        int64     `json:"id,omitempty"`
	SessionID string    `json:"sessionId"`
	Type      string    `json:"type"`
	Agent     string    `json:"agent,omitempty"`
	Thought   string    `json:"thought,omitempty"`
	Action    string    `json:"action,omitempty"`
	ToolInput string    `json:"tool_input,omitempty"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsPersistent reports whether the event belongs in the trace history.
// Status notifications are live-only.
func (e TraceEvent) IsPersistent() bool {
	return e.Type != EventScanStatus
}

// IgnoredSource is a URL (and optional incident summary) that scans must
// not report again.
type IgnoredSource struct {
	URL     string    `json:"url"`
	Summary string    `json:"summary,omitempty"`
	AddedAt time.Time `json:"addedAt"`
}

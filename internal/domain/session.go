// Package domain contains core domain types for the threat scanning service.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultSessionID is used when a caller does not name a session.
const DefaultSessionID = "default"

// Session is the unit of isolation: one agents config, one latest report,
// one trace history.
type Session struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	AgentsConfig AgentsConfig    `json:"agentsConfig,omitempty"`
	ScanReport   json.RawMessage `json:"scanReport,omitempty"`
}

// SessionName derives the display name for a newly created session from
// the first dash-separated token of its id.
func SessionName(id string) string {
	prefix, _, _ := strings.Cut(id, "-")
	if prefix == "" {
		prefix = id
	}
	return "Session " + prefix
}

// HasReport returns true if a scan report has been stored for the session.
func (s *Session) HasReport() bool {
	return len(s.ScanReport) > 0 && string(s.ScanReport) != "null"
}

// Package bus mirrors trace events onto NATS so other processes can follow
// scans without a websocket connection.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ashureev/threatwatch/internal/domain"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "threatwatch.trace"

type publisher interface {
	Publish(subject string, data []byte) error
}

// Mirror publishes trace events to <prefix>.<sessionID>. A nil *Mirror is
// valid and publishes nothing.
type Mirror struct {
	pub    publisher
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// Connect dials the NATS server at url.
func Connect(url, prefix string, logger *slog.Logger) (*Mirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("threatwatch"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	logger.Info("Mirroring trace events to NATS", "url", url, "prefix", prefixOrDefault(prefix))
	m := newMirror(conn, prefix, logger)
	m.conn = conn
	return m, nil
}

func newMirror(pub publisher, prefix string, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{pub: pub, prefix: prefixOrDefault(prefix), logger: logger}
}

func prefixOrDefault(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return DefaultSubjectPrefix
	}
	return prefix
}

// Subject returns the subject events of sessionID are published on.
func (m *Mirror) Subject(sessionID string) string {
	return m.prefix + "." + subjectToken(sessionID)
}

// subjectToken maps a session id onto a single NATS subject token.
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r == '.' || r == '*' || r == '>' || r <= ' ' || r == 0x7f:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Publish mirrors one event. Failures are logged and never returned: the
// mirror is best effort like every other live delivery path.
func (m *Mirror) Publish(event domain.TraceEvent) {
	if m == nil || m.pub == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		m.logger.Warn("failed to encode trace event for NATS", "session_id", event.SessionID, "error", err)
		return
	}
	if err := m.pub.Publish(m.Subject(event.SessionID), data); err != nil {
		m.logger.Debug("NATS publish failed", "session_id", event.SessionID, "error", err)
	}
}

// Close drains the connection.
func (m *Mirror) Close() {
	if m == nil || m.conn == nil {
		return
	}
	if err := m.conn.Drain(); err != nil {
		m.logger.Warn("failed to drain NATS connection", "error", err)
	}
}

// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"

	"github.com/ashureev/threatwatch/internal/domain"
)

// SessionRepository persists per-session records.
type SessionRepository interface {
	// EnsureSession creates the session if it does not exist and returns it.
	EnsureSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// GetSession retrieves a session by id. Returns nil, nil if absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns all sessions, most recently updated first.
	ListSessions(ctx context.Context) ([]*domain.Session, error)

	// GetAgentsConfig returns the session's agents config, empty if unset.
	GetAgentsConfig(ctx context.Context, sessionID string) (domain.AgentsConfig, error)

	// UpdateAgentsConfig replaces the session's agents config (last write wins).
	UpdateAgentsConfig(ctx context.Context, sessionID string, cfg domain.AgentsConfig) error

	// GetScanReport returns the stored report document, nil if none.
	GetScanReport(ctx context.Context, sessionID string) (json.RawMessage, error)

	// UpdateScanReport replaces the session's report document (last write wins).
	UpdateScanReport(ctx context.Context, sessionID string, report json.RawMessage) error
}

// TraceRepository persists append-only trace rows.
type TraceRepository interface {
	// AppendTrace inserts the event, refreshes the session's updated_at and
	// returns the row's monotonic id.
	AppendTrace(ctx context.Context, event domain.TraceEvent) (int64, error)

	// ListTraces returns every event of a session in insertion order.
	ListTraces(ctx context.Context, sessionID string) ([]domain.TraceEvent, error)

	// LatestTraces returns the last n events of a session in insertion order.
	LatestTraces(ctx context.Context, sessionID string, n int) ([]domain.TraceEvent, error)
}

// IgnoredSourceRepository persists the global ignored-source list.
type IgnoredSourceRepository interface {
	ListIgnoredSources(ctx context.Context) ([]domain.IgnoredSource, error)
	AddIgnoredSource(ctx context.Context, src domain.IgnoredSource) error
	DeleteIgnoredSource(ctx context.Context, url string) (bool, error)
}

// Repository defines the full persistence surface of the service.
type Repository interface {
	SessionRepository
	TraceRepository
	IgnoredSourceRepository

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

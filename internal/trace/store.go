// Package trace is the append-only log of per-session trace events.
package trace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/threatwatch/internal/domain"
	"github.com/ashureev/threatwatch/internal/metrics"
	"github.com/ashureev/threatwatch/internal/store"
)

// Store appends and reads trace events. Appending also refreshes the owning
// session's updatedAt, which the repository does in the same transaction.
type Store struct {
	repo    store.TraceRepository
	metrics *metrics.Collector
	now     func() time.Time
}

// NewStore wraps repo. m may be nil.
func NewStore(repo store.TraceRepository, m *metrics.Collector) *Store {
	return &Store{repo: repo, metrics: m, now: time.Now}
}

// Append persists event and returns it with its sequence id set. A zero
// timestamp is replaced with the current time.
func (s *Store) Append(ctx context.Context, event domain.TraceEvent) (domain.TraceEvent, error) {
	if strings.TrimSpace(event.SessionID) == "" {
		return event, fmt.Errorf("append trace: %w: empty session id", domain.ErrInvalidRequest)
	}
	if !event.IsPersistent() {
		return event, fmt.Errorf("append trace: %w: %s events are not persisted", domain.ErrInvalidRequest, event.Type)
	}
	if event.Type == "" {
		event.Type = domain.EventThought
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}

	id, err := s.repo.AppendTrace(ctx, event)
	if err != nil {
		s.metrics.TraceAppendFailed()
		return event, fmt.Errorf("%w: append trace: %v", domain.ErrPersistence, err)
	}
	event.ID = id
	s.metrics.TraceAppended()
	return event, nil
}

// List returns every event of the session in append order.
func (s *Store) List(ctx context.Context, sessionID string) ([]domain.TraceEvent, error) {
	events, err := s.repo.ListTraces(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: list traces: %v", domain.ErrPersistence, err)
	}
	return events, nil
}

// Latest returns the last n events of the session in append order.
func (s *Store) Latest(ctx context.Context, sessionID string, n int) ([]domain.TraceEvent, error) {
	if n <= 0 {
		return s.List(ctx, sessionID)
	}
	events, err := s.repo.LatestTraces(ctx, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("%w: latest traces: %v", domain.ErrPersistence, err)
	}
	return events, nil
}

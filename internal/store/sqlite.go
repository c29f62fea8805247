package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/threatwatch/internal/domain"
	"github.com/ashureev/threatwatch/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes writers to avoid SQLITE_BUSY under WAL
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		agents_config TEXT NOT NULL DEFAULT '{}',
		scan_report TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS thought_traces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		agent_name TEXT NOT NULL DEFAULT '',
		thought TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		tool_input TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_thought_traces_session_id ON thought_traces(session_id, id);

	CREATE TABLE IF NOT EXISTS ignored_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT UNIQUE NOT NULL,
		incident_summary TEXT NOT NULL DEFAULT '',
		added_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// write runs fn under the writer mutex with conflict retries.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func() error) error {
	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, op, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return fn()
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSessionIfAbsent(ctx context.Context, e execer, sessionID string, now time.Time) error {
	query := `
	INSERT INTO sessions (id, name, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`
	if _, err := e.ExecContext(ctx, query, sessionID, domain.SessionName(sessionID), now.UnixMilli(), now.UnixMilli()); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EnsureSession creates the session if it does not exist and returns it.
func (s *SQLiteStore) EnsureSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	err := s.write(ctx, "ensure_session", func() error {
		return insertSessionIfAbsent(ctx, s.db, sessionID, time.Now())
	})
	if err != nil {
		return nil, err
	}

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %s missing after insert", sessionID)
	}
	return session, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var createdAt, updatedAt int64
	var agentsJSON string
	var reportJSON sql.NullString

	if err := row.Scan(&session.ID, &session.Name, &createdAt, &updatedAt, &agentsJSON, &reportJSON); err != nil {
		return nil, err
	}

	session.CreatedAt = time.UnixMilli(createdAt)
	session.UpdatedAt = time.UnixMilli(updatedAt)

	if agentsJSON != "" {
		if err := json.Unmarshal([]byte(agentsJSON), &session.AgentsConfig); err != nil {
			return nil, fmt.Errorf("decode agents config: %w", err)
		}
	}
	if reportJSON.Valid && reportJSON.String != "" {
		session.ScanReport = json.RawMessage(reportJSON.String)
	}

	return &session, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT id, name, created_at, updated_at, agents_config, scan_report
		FROM sessions WHERE id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions returns all sessions ordered by updated_at descending.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	query := `
		SELECT id, name, created_at, updated_at, agents_config, scan_report
		FROM sessions ORDER BY updated_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// GetAgentsConfig returns the session's agents config.
func (s *SQLiteStore) GetAgentsConfig(ctx context.Context, sessionID string) (domain.AgentsConfig, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT agents_config FROM sessions WHERE id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AgentsConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query agents config: %w", err)
	}

	cfg := domain.AgentsConfig{}
	if raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decode agents config: %w", err)
	}
	return cfg, nil
}

// UpdateAgentsConfig replaces the session's agents config, creating the
// session if needed.
func (s *SQLiteStore) UpdateAgentsConfig(ctx context.Context, sessionID string, cfg domain.AgentsConfig) error {
	if cfg == nil {
		cfg = domain.AgentsConfig{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode agents config: %w", err)
	}

	query := `
	INSERT INTO sessions (id, name, created_at, updated_at, agents_config)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		agents_config = excluded.agents_config,
		updated_at = excluded.updated_at`

	return s.write(ctx, "update_agents_config", func() error {
		now := time.Now().UnixMilli()
		if _, err := s.db.ExecContext(ctx, query, sessionID, domain.SessionName(sessionID), now, now, string(data)); err != nil {
			return fmt.Errorf("update agents config: %w", err)
		}
		return nil
	})
}

// GetScanReport returns the stored report document.
func (s *SQLiteStore) GetScanReport(ctx context.Context, sessionID string) (json.RawMessage, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT scan_report FROM sessions WHERE id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query scan report: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	return json.RawMessage(raw.String), nil
}

// UpdateScanReport replaces the session's report document, creating the
// session if needed.
func (s *SQLiteStore) UpdateScanReport(ctx context.Context, sessionID string, report json.RawMessage) error {
	if !json.Valid(report) {
		return fmt.Errorf("update scan report: document is not valid JSON")
	}

	query := `
	INSERT INTO sessions (id, name, created_at, updated_at, scan_report)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		scan_report = excluded.scan_report,
		updated_at = excluded.updated_at`

	return s.write(ctx, "update_scan_report", func() error {
		now := time.Now().UnixMilli()
		if _, err := s.db.ExecContext(ctx, query, sessionID, domain.SessionName(sessionID), now, now, string(report)); err != nil {
			return fmt.Errorf("update scan report: %w", err)
		}
		return nil
	})
}

// AppendTrace inserts a trace row and bumps the session's updated_at in the
// same transaction.
func (s *SQLiteStore) AppendTrace(ctx context.Context, event domain.TraceEvent) (int64, error) {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var id int64
	err := s.write(ctx, "append_trace", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin trace tx: %w", err)
		}
		defer func() {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to rollback trace tx", "error", rbErr)
			}
		}()

		now := time.Now()
		if err := insertSessionIfAbsent(ctx, tx, event.SessionID, now); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO thought_traces (session_id, agent_name, thought, action, tool_input, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`,
			event.SessionID, event.Agent, event.Thought, event.Action, event.ToolInput, ts.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert trace: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("trace insert id: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now.UnixMilli(), event.SessionID); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit trace tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLiteStore) queryTraces(ctx context.Context, query string, args ...any) ([]domain.TraceEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close trace rows", "error", closeErr)
		}
	}()

	events := []domain.TraceEvent{}
	for rows.Next() {
		var ev domain.TraceEvent
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Agent, &ev.Thought, &ev.Action, &ev.ToolInput, &ts); err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		ev.Type = domain.EventThought
		ev.Timestamp = time.UnixMilli(ts)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traces: %w", err)
	}
	return events, nil
}

// ListTraces returns every event of a session in insertion order.
func (s *SQLiteStore) ListTraces(ctx context.Context, sessionID string) ([]domain.TraceEvent, error) {
	return s.queryTraces(ctx, `
		SELECT id, session_id, agent_name, thought, action, tool_input, timestamp
		FROM thought_traces WHERE session_id = ? ORDER BY id ASC`, sessionID)
}

// LatestTraces returns the last n events of a session in insertion order.
func (s *SQLiteStore) LatestTraces(ctx context.Context, sessionID string, n int) ([]domain.TraceEvent, error) {
	if n <= 0 {
		return []domain.TraceEvent{}, nil
	}
	return s.queryTraces(ctx, `
		SELECT id, session_id, agent_name, thought, action, tool_input, timestamp FROM (
			SELECT id, session_id, agent_name, thought, action, tool_input, timestamp
			FROM thought_traces WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, sessionID, n)
}

// ListIgnoredSources returns the ignored-source list, oldest first.
func (s *SQLiteStore) ListIgnoredSources(ctx context.Context) ([]domain.IgnoredSource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url, incident_summary, added_at FROM ignored_sources ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query ignored sources: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close ignored source rows", "error", closeErr)
		}
	}()

	sources := []domain.IgnoredSource{}
	for rows.Next() {
		var src domain.IgnoredSource
		var addedAt int64
		if err := rows.Scan(&src.URL, &src.Summary, &addedAt); err != nil {
			return nil, fmt.Errorf("scan ignored source row: %w", err)
		}
		src.AddedAt = time.UnixMilli(addedAt)
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ignored sources: %w", err)
	}
	return sources, nil
}

// AddIgnoredSource inserts or updates an ignored source by URL.
func (s *SQLiteStore) AddIgnoredSource(ctx context.Context, src domain.IgnoredSource) error {
	if src.URL == "" {
		return fmt.Errorf("add ignored source: url is required")
	}
	addedAt := src.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now()
	}

	query := `
	INSERT INTO ignored_sources (url, incident_summary, added_at)
	VALUES (?, ?, ?)
	ON CONFLICT(url) DO UPDATE SET incident_summary = excluded.incident_summary`

	return s.write(ctx, "add_ignored_source", func() error {
		if _, err := s.db.ExecContext(ctx, query, src.URL, src.Summary, addedAt.UnixMilli()); err != nil {
			return fmt.Errorf("add ignored source: %w", err)
		}
		return nil
	})
}

// DeleteIgnoredSource removes an ignored source. Returns false if it did not exist.
func (s *SQLiteStore) DeleteIgnoredSource(ctx context.Context, url string) (bool, error) {
	var deleted bool
	err := s.write(ctx, "delete_ignored_source", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM ignored_sources WHERE url = ?`, url)
		if err != nil {
			return fmt.Errorf("delete ignored source: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)

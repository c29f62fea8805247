package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/threatwatch/internal/domain"
	"github.com/ashureev/threatwatch/internal/identity"
)

// generateLocks prevents concurrent agent generation for the same session.
var generateLocks sync.Map

type sessionSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	HasReport bool      `json:"hasReport"`
}

// ListSessions returns every named session, most recently updated first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.repo.ListSessions(r.Context())
	if err != nil {
		h.log.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, domain.ErrPersistence.Error())
		return
	}

	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		if s.ID == domain.DefaultSessionID {
			continue
		}
		out = append(out, sessionSummary{
			ID:        s.ID,
			Name:      s.Name,
			Timestamp: s.UpdatedAt,
			HasReport: s.HasReport(),
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

// CreateSession creates a session with a generated id.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.repo.EnsureSession(r.Context(), identity.NewSessionID())
	if err != nil {
		h.log.Error("Failed to create session", "error", err)
		Error(w, http.StatusInternalServerError, domain.ErrPersistence.Error())
		return
	}
	h.log.Info("Session created", "session_id", session.ID)
	JSON(w, http.StatusCreated, sessionSummary{
		ID:        session.ID,
		Name:      session.Name,
		Timestamp: session.UpdatedAt,
	})
}

// GetAgentsConfig returns the session's agents config, {} when unset.
func (h *Handler) GetAgentsConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.configs.Get(r.Context(), identity.SessionIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, cfg)
}

// SaveAgentsConfig replaces the session's agents config.
func (h *Handler) SaveAgentsConfig(w http.ResponseWriter, r *http.Request) {
	var cfg domain.AgentsConfig
	if !h.decodeBody(w, r, &cfg) {
		return
	}
	if err := h.configs.Save(r.Context(), identity.SessionIDFromContext(r.Context()), cfg); err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// GenerateAgents asks the engine to design the session's three agents and
// stores them.
func (h *Handler) GenerateAgents(w http.ResponseWriter, r *http.Request) {
	var body scanRequest
	if !h.decodeBody(w, r, &body) {
		return
	}
	sid, ok := sessionID(r, body.SessionID)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	lock, _ := generateLocks.LoadOrStore(sid, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		h.log.Warn("Agent generation already in progress", "session_id", sid)
		Error(w, http.StatusConflict, "generation_in_progress")
		return
	}
	defer func() {
		mutex.Unlock()
		generateLocks.Delete(sid)
	}()

	cfg, err := h.configs.Generate(r.Context(), sid, body.Asset, body.Attributes)
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "Agents configured successfully.",
		"config":  cfg,
	})
}

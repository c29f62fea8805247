package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ashureev/threatwatch/internal/domain"
	"github.com/ashureev/threatwatch/internal/identity"
	"github.com/ashureev/threatwatch/internal/scan"
)

// scanRequest is the body of /api/scan and /api/generate-agents.
type scanRequest struct {
	Asset        string         `json:"asset"`
	Attributes   map[string]any `json:"attributes"`
	ScanDate     string         `json:"scanDate"`
	TimeDuration string         `json:"timeDuration"`
	SessionID    string         `json:"sessionId"`
}

// StartScan runs a scan. By default it waits for the report; with
// ?async=true it answers 202 once the scan is running.
func (h *Handler) StartScan(w http.ResponseWriter, r *http.Request) {
	var body scanRequest
	if !h.decodeBody(w, r, &body) {
		return
	}
	sid, ok := sessionID(r, body.SessionID)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	req := scan.Request{
		SessionID:    sid,
		Asset:        body.Asset,
		Attributes:   body.Attributes,
		ScanDate:     body.ScanDate,
		TimeDuration: body.TimeDuration,
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		state, err := h.scans.Launch(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		JSON(w, http.StatusAccepted, state)
		return
	}

	result, err := h.scans.StartScan(r.Context(), req)
	if err != nil {
		if r.Context().Err() != nil {
			h.log.Info("Client left before scan finished", "session_id", sid)
			return
		}
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, result.Document)
}

// CancelScan stops the session's running scan before its next stage.
func (h *Handler) CancelScan(w http.ResponseWriter, r *http.Request) {
	sid := identity.SessionIDFromContext(r.Context())
	if err := h.scans.Cancel(sid); err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "sessionId": sid})
}

// scanStatus is a scan state plus the session's live observer count.
type scanStatus struct {
	scan.State
	Observers int `json:"observers"`
}

// ScanStatus reports the session's running or most recent scan.
func (h *Handler) ScanStatus(w http.ResponseWriter, r *http.Request) {
	sid := identity.SessionIDFromContext(r.Context())
	state, ok := h.scans.Status(sid)
	if !ok {
		writeError(w, fmt.Errorf("session %s: %w", sid, scan.ErrNoActiveScan))
		return
	}
	JSON(w, http.StatusOK, scanStatus{State: state, Observers: h.hub.Count(sid)})
}

// GetScanReport returns the session's stored report, or null.
func (h *Handler) GetScanReport(w http.ResponseWriter, r *http.Request) {
	sid := identity.SessionIDFromContext(r.Context())
	doc, err := h.repo.GetScanReport(r.Context(), sid)
	if err != nil {
		h.log.Error("Failed to read scan report", "session_id", sid, "error", err)
		Error(w, http.StatusInternalServerError, domain.ErrPersistence.Error())
		return
	}
	if doc == nil {
		JSON(w, http.StatusOK, nil)
		return
	}
	JSON(w, http.StatusOK, doc)
}

// GetThoughtTrace returns the session's trace history in order. ?limit=N
// returns only the last N events.
func (h *Handler) GetThoughtTrace(w http.ResponseWriter, r *http.Request) {
	sid := identity.SessionIDFromContext(r.Context())

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events, err := h.traces.Latest(r.Context(), sid, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.TraceEvent{}
	}
	JSON(w, http.StatusOK, events)
}

package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/threatwatch/internal/domain"
	"github.com/ashureev/threatwatch/internal/notify"
	"github.com/ashureev/threatwatch/internal/report"
)

const sendReportTimeout = 30 * time.Second

type ignoredSourceRequest struct {
	URL     string `json:"url"`
	Summary string `json:"summary"`
}

// ListIgnoredSources returns the global ignored-source list.
func (h *Handler) ListIgnoredSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.repo.ListIgnoredSources(r.Context())
	if err != nil {
		h.log.Error("Failed to list ignored sources", "error", err)
		Error(w, http.StatusInternalServerError, domain.ErrPersistence.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sources": sources})
}

// AddIgnoredSource adds a URL that later scans must not report again.
func (h *Handler) AddIgnoredSource(w http.ResponseWriter, r *http.Request) {
	var body ignoredSourceRequest
	if !h.decodeBody(w, r, &body) {
		return
	}
	src := domain.IgnoredSource{
		URL:     strings.TrimSpace(body.URL),
		Summary: strings.TrimSpace(body.Summary),
		AddedAt: time.Now().UTC(),
	}
	if !validSourceURL(src.URL) {
		Error(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}

	if err := h.repo.AddIgnoredSource(r.Context(), src); err != nil {
		h.log.Error("Failed to add ignored source", "url", src.URL, "error", err)
		Error(w, http.StatusInternalServerError, domain.ErrPersistence.Error())
		return
	}
	h.log.Info("Ignored source added", "url", src.URL)
	JSON(w, http.StatusCreated, src)
}

// DeleteIgnoredSource removes the source named by ?url=.
func (h *Handler) DeleteIgnoredSource(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.URL.Query().Get("url"))
	if target == "" {
		Error(w, http.StatusBadRequest, "url is required")
		return
	}
	deleted, err := h.repo.DeleteIgnoredSource(r.Context(), target)
	if err != nil {
		h.log.Error("Failed to delete ignored source", "url", target, "error", err)
		Error(w, http.StatusInternalServerError, domain.ErrPersistence.Error())
		return
	}
	if !deleted {
		Error(w, http.StatusNotFound, "ignored source not found")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func validSourceURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

type sendReportRequest struct {
	SessionID string   `json:"sessionId"`
	Emails    []string `json:"emails"`
}

// SendReport mails the session's stored report to the given recipients.
func (h *Handler) SendReport(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		writeError(w, notify.ErrNotConfigured)
		return
	}

	var body sendReportRequest
	if !h.decodeBody(w, r, &body) {
		return
	}
	sid, ok := sessionID(r, body.SessionID)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}
	recipients, err := notify.ParseRecipients(body.Emails)
	if err != nil {
		writeError(w, err)
		return
	}

	doc, err := h.repo.GetScanReport(r.Context(), sid)
	if err != nil {
		h.log.Error("Failed to read scan report", "session_id", sid, "error", err)
		Error(w, http.StatusInternalServerError, domain.ErrPersistence.Error())
		return
	}
	if doc == nil {
		Error(w, http.StatusNotFound, "no scan report for session")
		return
	}
	rep, err := report.Decode(doc)
	if err != nil {
		h.log.Error("Stored scan report is unreadable", "session_id", sid, "error", err)
		Error(w, http.StatusInternalServerError, "stored report is unreadable")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), sendReportTimeout)
	defer cancel()
	if err := h.notifier.Send(ctx, rep, recipients); err != nil {
		h.log.Error("Failed to send report", "session_id", sid, "error", err)
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":     "sent",
		"recipients": len(recipients),
	})
}

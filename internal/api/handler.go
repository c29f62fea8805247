// Package api provides HTTP handlers for the threat scanning service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/threatwatch/internal/agentconfig"
	"github.com/ashureev/threatwatch/internal/domain"
	"github.com/ashureev/threatwatch/internal/hub"
	"github.com/ashureev/threatwatch/internal/identity"
	"github.com/ashureev/threatwatch/internal/notify"
	"github.com/ashureev/threatwatch/internal/scan"
	"github.com/ashureev/threatwatch/internal/store"
	"github.com/ashureev/threatwatch/internal/trace"
	"github.com/go-chi/chi/v5"
)

const defaultMaxRequestBodySize = 1 << 20

// Deps are the collaborators the HTTP layer drives. Notifier may be nil,
// in which case report delivery answers 503.
type Deps struct {
	Repo     store.Repository
	Scans    *scan.Coordinator
	Configs  *agentconfig.Store
	Traces   *trace.Store
	Hub      *hub.Hub
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Handler serves the REST endpoints and the observer websocket.
type Handler struct {
	repo     store.Repository
	scans    *scan.Coordinator
	configs  *agentconfig.Store
	traces   *trace.Store
	hub      *hub.Hub
	notifier notify.Notifier
	log      *slog.Logger

	maxBodySize int64
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:        deps.Repo,
		scans:       deps.Scans,
		configs:     deps.Configs,
		traces:      deps.Traces,
		hub:         deps.Hub,
		notifier:    deps.Notifier,
		log:         logger,
		maxBodySize: defaultMaxRequestBodySize,
	}
}

// RegisterRoutes registers the REST routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions", h.CreateSession)

		r.Get("/agents-config", h.GetAgentsConfig)
		r.Post("/agents-config", h.SaveAgentsConfig)
		r.Put("/agents-config", h.SaveAgentsConfig)
		r.Post("/generate-agents", h.GenerateAgents)

		r.Post("/scan", h.StartScan)
		r.Post("/scan/cancel", h.CancelScan)
		r.Get("/scan/status", h.ScanStatus)
		r.Get("/scan-report", h.GetScanReport)
		r.Get("/thought-trace", h.GetThoughtTrace)

		r.Get("/ignored-sources", h.ListIgnoredSources)
		r.Post("/ignored-sources", h.AddIgnoredSource)
		r.Delete("/ignored-sources", h.DeleteIgnoredSource)

		r.Post("/send-report", h.SendReport)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps an error from the scan components to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrMissingAgentConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrScanInProgress), errors.Is(err, domain.ErrScanCancelled):
		return http.StatusConflict
	case errors.Is(err, scan.ErrNoActiveScan):
		return http.StatusNotFound
	case errors.Is(err, notify.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrEngineFailure), errors.Is(err, domain.ErrDelivery):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with the status StatusFor picks. A missing agent
// config also names the slot.
func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	var missing *domain.MissingAgentConfigError
	if errors.As(err, &missing) {
		JSON(w, status, map[string]string{"error": err.Error(), "agent": missing.Agent})
		return
	}
	Error(w, status, err.Error())
}

// decodeBody reads a size-limited JSON body into v and writes the error
// response itself when it fails.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// sessionID picks the body's session id when given, else the one the
// identity middleware resolved from the header or query.
func sessionID(r *http.Request, fromBody string) (string, bool) {
	fromBody = strings.TrimSpace(fromBody)
	if fromBody == "" {
		return identity.SessionIDFromContext(r.Context()), true
	}
	return fromBody, identity.ValidSessionID(fromBody)
}

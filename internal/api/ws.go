package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/threatwatch/internal/domain"
	"github.com/ashureev/threatwatch/internal/hub"
	"github.com/ashureev/threatwatch/internal/identity"
	"github.com/ashureev/threatwatch/internal/trace"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const observerWriteTimeout = 10 * time.Second

// ObserverHandler streams a session's trace events over a websocket.
type ObserverHandler struct {
	hub            *hub.Hub
	traces         *trace.Store
	allowedOrigins []string
	isDev          bool
	log            *slog.Logger
}

// NewObserverHandler creates a new websocket observer handler.
func NewObserverHandler(h *hub.Hub, traces *trace.Store, allowedOrigins []string, isDev bool, logger *slog.Logger) *ObserverHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObserverHandler{
		hub:            h,
		traces:         traces,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
		log:            logger,
	}
}

// wsMessage is a client to server control message.
type wsMessage struct {
	Type string `json:"type"`
}

// ServeHTTP implements http.Handler for /ws/scan/{sessionID}.
func (h *ObserverHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, identity.SessionURLParam)
	if !identity.ValidSessionID(sessionID) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}
	h.log.Info("Observer connection request", "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}

	// Subscribe before replaying so nothing published meanwhile is missed.
	obs := h.hub.Subscribe(sessionID)
	defer h.hub.Unsubscribe(obs)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		lastReplayed int64
		held         []domain.TraceEvent
	)
	if replay, _ := strconv.ParseBool(r.URL.Query().Get("replay")); replay {
		// Hold live events while replaying so a long history cannot fill
		// the observer queue.
		stop := make(chan struct{})
		heldCh := make(chan []domain.TraceEvent, 1)
		go func() { heldCh <- holdLive(obs, stop) }()

		lastReplayed, err = h.replay(ctx, ws, sessionID)
		close(stop)
		held = <-heldCh
		if err != nil {
			h.log.Debug("Observer replay failed", "session_id", sessionID, "error", err)
			_ = ws.Close(websocket.StatusInternalError, "replay failed")
			return
		}
	}

	go func() {
		defer cancel()
		h.inputLoop(ctx, ws, sessionID)
	}()

	code, reason := h.outputLoop(ctx, ws, obs, held, lastReplayed)
	if closeErr := ws.Close(code, reason); closeErr != nil {
		h.log.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
	}
	h.log.Info("Observer disconnected", "session_id", sessionID, "reason", reason)
}

func (h *ObserverHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.log.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

// replay sends the stored history and returns the last id it covered.
func (h *ObserverHandler) replay(ctx context.Context, ws *websocket.Conn, sessionID string) (int64, error) {
	events, err := h.traces.List(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	var last int64
	for _, ev := range events {
		if err := writeJSON(ctx, ws, ev); err != nil {
			return 0, err
		}
		last = ev.ID
	}
	return last, nil
}

// holdLive collects the observer's events until stop is closed or the hub
// drops the observer.
func holdLive(obs *hub.Observer, stop <-chan struct{}) []domain.TraceEvent {
	var held []domain.TraceEvent
	for {
		select {
		case ev := <-obs.Events():
			held = append(held, ev)
		case <-stop:
			return held
		case <-obs.Done():
			return held
		}
	}
}

// inputLoop answers pings and notices when the client goes away.
func (h *ObserverHandler) inputLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.log.Debug("WebSocket closed by client", "session_id", sessionID)
			} else {
				h.log.Debug("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				h.log.Debug("Failed to send pong", "error", err)
				return
			}
		}
	}
}

// outputLoop forwards held and then live events until the client leaves or
// the hub drops the observer. Events already sent by replay are skipped;
// events that were never persisted carry no id and always pass.
func (h *ObserverHandler) outputLoop(ctx context.Context, ws *websocket.Conn, obs *hub.Observer, held []domain.TraceEvent, lastReplayed int64) (websocket.StatusCode, string) {
	for _, ev := range held {
		if ev.ID != 0 && ev.ID <= lastReplayed {
			continue
		}
		if err := writeJSON(ctx, ws, ev); err != nil {
			h.log.Debug("Observer write failed", "session_id", obs.SessionID(), "error", domain.ErrDelivery, "cause", err)
			return websocket.StatusInternalError, "write failed"
		}
	}
	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, "session ended"
		case <-obs.Done():
			if obs.Dropped() {
				return websocket.StatusTryAgainLater, "observer too slow"
			}
			return websocket.StatusGoingAway, "server shutting down"
		case ev := <-obs.Events():
			if ev.ID != 0 && ev.ID <= lastReplayed {
				continue
			}
			if err := writeJSON(ctx, ws, ev); err != nil {
				h.log.Debug("Observer write failed", "session_id", obs.SessionID(), "error", domain.ErrDelivery, "cause", err)
				return websocket.StatusInternalError, "write failed"
			}
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, observerWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

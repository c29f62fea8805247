// Package identity resolves the scan session a request refers to.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/threatwatch/internal/domain"
)

const (
	// SessionHeaderName carries the session id on API requests.
	SessionHeaderName = "X-Session-ID"
	// SessionURLParam is the chi route parameter holding a session id.
	SessionURLParam = "sessionID"
)

type contextKey int

const sessionIDKey contextKey = iota

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidSessionID reports whether id is an acceptable session id.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// SanitizeSessionID trims id and falls back to the default session when it
// is empty or malformed.
func SanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !ValidSessionID(id) {
		return domain.DefaultSessionID
	}
	return id
}

// SessionIDFromContext extracts the session id injected by Middleware.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return domain.DefaultSessionID
}

// WithSessionID returns ctx carrying id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// sessionIDFromRequest checks, in order, the route parameter, the session
// header and the sessionId / session_id query parameters.
func sessionIDFromRequest(r *http.Request) string {
	sid := chi.URLParam(r, SessionURLParam)
	if sid == "" {
		sid = r.Header.Get(SessionHeaderName)
	}
	if sid == "" {
		sid = r.URL.Query().Get("sessionId")
	}
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return SanitizeSessionID(sid)
}

// Middleware injects the request's session id into its context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithSessionID(r.Context(), sessionIDFromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IPFromRequest returns a normalized remote IP for request logging.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/threatwatch/internal/domain"
)

func TestSanitizeSessionID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", domain.DefaultSessionID},
		{"  ", domain.DefaultSessionID},
		{"abc-123", "abc-123"},
		{" padded ", "padded"},
		{"bad/slash", domain.DefaultSessionID},
		{"<script>", domain.DefaultSessionID},
	}
	for _, tt := range tests {
		if got := SanitizeSessionID(tt.in); got != tt.want {
			t.Errorf("SanitizeSessionID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewSessionIDIsValid(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	if a == b {
		t.Fatal("session ids must be unique")
	}
	if !ValidSessionID(a) {
		t.Fatalf("generated id %q is not valid", a)
	}
}

func TestMiddlewareResolution(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Use(Middleware)
	handler := func(w http.ResponseWriter, r *http.Request) {
		got = SessionIDFromContext(r.Context())
	}
	r.Get("/plain", handler)
	r.Get("/sessions/{sessionID}", handler)

	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"default", "/plain", "", domain.DefaultSessionID},
		{"header", "/plain", "h-1", "h-1"},
		{"camel query", "/plain?sessionId=q-1", "", "q-1"},
		{"snake query", "/plain?session_id=q-2", "", "q-2"},
		{"header beats query", "/plain?sessionId=q-1", "h-2", "h-2"},
		{"route param", "/sessions/p-1", "h-3", "p-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set(SessionHeaderName, tt.header)
			}
			r.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("session = %q, want %q", got, tt.want)
			}
		})
	}
}

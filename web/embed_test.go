package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
)

func TestSPAHandler(t *testing.T) {
	root := fstest.MapFS{
		"index.html": {Data: []byte("<html>viewer</html>")},
		"app.js":     {Data: []byte("console.log('x')")},
	}
	h := newSPAHandler(root)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantBody string
	}{
		{"root", "/", http.StatusOK, "viewer"},
		{"asset", "/app.js", http.StatusOK, "console.log"},
		{"client route", "/sessions/abc", http.StatusOK, "viewer"},
		{"unknown api", "/api/nope", http.StatusNotFound, ""},
		{"unknown ws", "/ws/nope", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.wantCode {
				t.Fatalf("Expected %d, got %d", tt.wantCode, w.Code)
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("Expected body to contain %q, got %q", tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestEmbeddedViewer(t *testing.T) {
	w := httptest.NewRecorder()
	SPAHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ThreatWatch") {
		t.Error("Expected the embedded trace viewer")
	}
}

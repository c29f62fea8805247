//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/threatwatch/internal/domain"
	"github.com/ashureev/threatwatch/internal/notify"
	"github.com/ashureev/threatwatch/internal/scan"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid request", fmt.Errorf("%w: asset is required", domain.ErrInvalidRequest), http.StatusBadRequest},
		{"missing agent", &domain.MissingAgentConfigError{Agent: domain.AgentAnalyst}, http.StatusUnprocessableEntity},
		{"scan in progress", fmt.Errorf("session s1: %w", domain.ErrScanInProgress), http.StatusConflict},
		{"cancelled", domain.ErrScanCancelled, http.StatusConflict},
		{"no active scan", scan.ErrNoActiveScan, http.StatusNotFound},
		{"notifier missing", notify.ErrNotConfigured, http.StatusServiceUnavailable},
		{"engine failure", fmt.Errorf("stage discovery: %w", domain.ErrEngineFailure), http.StatusBadGateway},
		{"persistence", domain.ErrPersistence, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusFor(tt.err); got != tt.want {
				t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestWriteErrorNamesMissingAgent(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, &domain.MissingAgentConfigError{Agent: domain.AgentSummarizer})

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d", w.Code)
	}
	var got map[string]string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["agent"] != domain.AgentSummarizer {
		t.Errorf("Expected agent=%s, got %q", domain.AgentSummarizer, got["agent"])
	}
	if got["error"] != "configuration for agent 'summarizer' not found" {
		t.Errorf("Unexpected error message %q", got["error"])
	}
}

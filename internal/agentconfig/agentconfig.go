// Package agentconfig stores, loads and generates the per-session agent
// definitions the pipeline runs with.
package agentconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/threatwatch/internal/domain"
	"github.com/ashureev/threatwatch/internal/engine"
	"github.com/ashureev/threatwatch/internal/report"
	"github.com/ashureev/threatwatch/internal/store"
)

// Store reads and writes agent configs through the session repository.
type Store struct {
	repo   store.SessionRepository
	engine engine.Engine
	logger *slog.Logger
}

// NewStore creates a config store. eng is only needed by Generate and may
// be nil.
func NewStore(repo store.SessionRepository, eng engine.Engine, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{repo: repo, engine: eng, logger: logger}
}

// Get returns the session's config. A session without a config yields an
// empty, non-nil map.
func (s *Store) Get(ctx context.Context, sessionID string) (domain.AgentsConfig, error) {
	cfg, err := s.repo.GetAgentsConfig(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: read agents config: %v", domain.ErrPersistence, err)
	}
	if cfg == nil {
		cfg = domain.AgentsConfig{}
	}
	return cfg, nil
}

// Save replaces the session's config, creating the session if needed.
func (s *Store) Save(ctx context.Context, sessionID string, cfg domain.AgentsConfig) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("save agents config: %w: empty session id", domain.ErrInvalidRequest)
	}
	if cfg == nil {
		return fmt.Errorf("save agents config: %w: empty config", domain.ErrInvalidRequest)
	}
	if err := s.repo.UpdateAgentsConfig(ctx, sessionID, cfg); err != nil {
		return fmt.Errorf("%w: save agents config: %v", domain.ErrPersistence, err)
	}
	s.logger.Info("Agents config saved", "session_id", sessionID, "agents", cfg.Names())
	return nil
}

// Generate asks the engine to design agent definitions for the target
// asset, validates that every required slot is present and saves the
// result for the session.
func (s *Store) Generate(ctx context.Context, sessionID, asset string, attributes map[string]any) (domain.AgentsConfig, error) {
	if s.engine == nil {
		return nil, fmt.Errorf("generate agents config: %w: no engine configured", domain.ErrEngineFailure)
	}
	target, err := describeTarget(asset, attributes)
	if err != nil {
		return nil, err
	}

	out, err := s.engine.Execute(ctx, engine.Request{
		SessionID:      sessionID,
		Stage:          "agent_config",
		Instructions:   fmt.Sprintf(architectPrompt, target),
		ExpectedOutput: "A single JSON object keyed by researcher, analyst and summarizer.",
		Agent:          architect,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("generate agents config: %w", err)
	}

	cfg, err := ParseGenerated(out)
	if err != nil {
		s.logger.Warn("Engine returned an unusable agents config", "session_id", sessionID, "error", err)
		return nil, err
	}
	if err := s.Save(ctx, sessionID, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseGenerated decodes engine output into a config, tolerating a code
// fence around the JSON.
func ParseGenerated(raw string) (domain.AgentsConfig, error) {
	var cfg domain.AgentsConfig
	if err := json.Unmarshal([]byte(report.StripFence(raw)), &cfg); err != nil {
		return nil, fmt.Errorf("%w: engine did not return valid JSON: %v", domain.ErrEngineFailure, err)
	}
	if missing := cfg.Missing(); missing != "" {
		return nil, &domain.MissingAgentConfigError{Agent: missing}
	}
	return cfg, nil
}

// LoadFile reads a config from a YAML or JSON file.
func LoadFile(path string) (domain.AgentsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents config file: %w", err)
	}
	var cfg domain.AgentsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrInvalidRequest, path, err)
	}
	if len(cfg) == 0 {
		return nil, fmt.Errorf("%w: %s defines no agents", domain.ErrInvalidRequest, path)
	}
	return cfg, nil
}

func describeTarget(asset string, attributes map[string]any) (string, error) {
	if strings.TrimSpace(asset) == "" {
		return "", fmt.Errorf("generate agents config: %w: empty asset", domain.ErrInvalidRequest)
	}
	doc := map[string]any{"asset": asset}
	for k, v := range attributes {
		if k == "asset" {
			continue
		}
		doc[k] = v
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("generate agents config: %w: %v", domain.ErrInvalidRequest, err)
	}
	return string(b), nil
}

var architect = domain.AgentDefinition{
	Role:      "Cyber Security Architect",
	Goal:      "Design specialised threat-intelligence agents for a specific technology stack",
	Backstory: "You configure multi-agent systems for security operations teams.",
	Tools:     []string{},
}

const architectPrompt = `You are configuring a multi-agent threat intelligence system.
There are three agents:
1. researcher: finds recent security incidents and CVEs. Tools: ["SerperDevTool", "ScrapeWebsiteTool"]
2. analyst: evaluates incidents against the asset configuration. Tools: []
3. summarizer: produces the final JSON report. Tools: []

Based on the TARGET ASSET below, write a specialised role, goal and backstory for each agent.
Every agent uses the "azure_openai" llm, verbose is true and allow_delegation is false.

TARGET ASSET:
%s

Output ONLY valid JSON with this structure:
{
  "researcher": {"role": "...", "goal": "...", "backstory": "...", "tools": ["SerperDevTool", "ScrapeWebsiteTool"], "llm": "azure_openai", "verbose": true, "allow_delegation": false},
  "analyst": {...},
  "summarizer": {...}
}`

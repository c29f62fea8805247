package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/threatwatch/internal/domain"
	"github.com/ashureev/threatwatch/internal/engine"
)

func fullConfig() domain.AgentsConfig {
	return domain.AgentsConfig{
		domain.AgentResearcher: {Role: "Researcher", Tools: []string{"SerperDevTool"}},
		domain.AgentAnalyst:    {Role: "Analyst"},
		domain.AgentSummarizer: {Role: "Summarizer"},
	}
}

func baseInput() Input {
	return Input{
		SessionID:    "s1",
		Asset:        "SonicWall TZ570",
		AssetConfig:  map[string]any{"firmware": "7.0.1", "wan_sslvpn": true},
		ScanDate:     "2026-10-19",
		TimeDuration: "last 60 days",
		Agents:       fullConfig(),
	}
}

type recordingEngine struct {
	mu       sync.Mutex
	requests []engine.Request
	respond  func(req engine.Request, onStep engine.StepFunc) (string, error)
}

func (e *recordingEngine) Execute(_ context.Context, req engine.Request, onStep engine.StepFunc) (string, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	if e.respond != nil {
		return e.respond(req, onStep)
	}
	onStep(engine.Step{Thought: "thinking in " + req.Stage})
	return req.Stage + " output", nil
}

func TestRunSequencesStagesWithContext(t *testing.T) {
	eng := &recordingEngine{}
	o := New(eng, nil)

	type seen struct {
		agent string
		step  engine.Step
	}
	var steps []seen
	out, err := o.Run(context.Background(), baseInput(), nil, func(agent string, s engine.Step) {
		steps = append(steps, seen{agent, s})
	})
	require.NoError(t, err)
	assert.Equal(t, "report output", out)

	require.Len(t, eng.requests, 3)
	assert.Equal(t, StageDiscovery, eng.requests[0].Stage)
	assert.Empty(t, eng.requests[0].Context)
	assert.Equal(t, "Researcher", eng.requests[0].Agent.Role)

	assert.Equal(t, StageAnalysis, eng.requests[1].Stage)
	assert.Equal(t, []string{"discovery output"}, eng.requests[1].Context)
	assert.Contains(t, eng.requests[1].Instructions, `"firmware":"7.0.1"`)

	assert.Equal(t, StageReport, eng.requests[2].Stage)
	assert.Equal(t, []string{"analysis output"}, eng.requests[2].Context)
	assert.Contains(t, eng.requests[2].Instructions, `"scanDate": "2026-10-19"`)

	require.Len(t, steps, 3)
	assert.Equal(t, "Threat Researcher Agent", steps[0].agent)
	assert.Equal(t, "Threat Analyst Agent", steps[1].agent)
	assert.Equal(t, "Report Synthesis Agent", steps[2].agent)
	assert.Equal(t, "thinking in analysis", steps[1].step.Thought)
}

func TestRunMissingAnalystMakesNoEngineCalls(t *testing.T) {
	eng := &recordingEngine{}
	o := New(eng, nil)

	in := baseInput()
	delete(in.Agents, domain.AgentAnalyst)

	_, err := o.Run(context.Background(), in, nil, nil)
	var missing *domain.MissingAgentConfigError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, domain.AgentAnalyst, missing.Agent)
	assert.ErrorIs(t, err, domain.ErrMissingAgentConfig)
	assert.Empty(t, eng.requests)
}

func TestRunEmptyConfigReportsResearcherFirst(t *testing.T) {
	o := New(&recordingEngine{}, nil)
	in := baseInput()
	in.Agents = nil

	_, err := o.Run(context.Background(), in, nil, nil)
	var missing *domain.MissingAgentConfigError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, domain.AgentResearcher, missing.Agent)
	assert.Equal(t, "configuration for agent 'researcher' not found", err.Error())
}

func TestRunEngineFailureAbortsRemainingStages(t *testing.T) {
	var steps int
	eng := &recordingEngine{respond: func(req engine.Request, onStep engine.StepFunc) (string, error) {
		onStep(engine.Step{Thought: "partial"})
		if req.Stage == StageAnalysis {
			return "", errors.New("upstream timeout")
		}
		return "ok", nil
	}}
	o := New(eng, nil)

	_, err := o.Run(context.Background(), baseInput(), nil, func(string, engine.Step) { steps++ })
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEngineFailure)
	assert.Contains(t, err.Error(), "analysis")
	assert.Len(t, eng.requests, 2)
	assert.Equal(t, 2, steps)
}

func TestRunEmptyOutputIsEngineFailure(t *testing.T) {
	eng := &recordingEngine{respond: func(engine.Request, engine.StepFunc) (string, error) {
		return "   \n", nil
	}}
	o := New(eng, nil)

	_, err := o.Run(context.Background(), baseInput(), nil, nil)
	assert.ErrorIs(t, err, domain.ErrEngineFailure)
	assert.Len(t, eng.requests, 1)
}

func TestRunCancelledBetweenStages(t *testing.T) {
	token := NewCancelToken()
	eng := &recordingEngine{respond: func(req engine.Request, _ engine.StepFunc) (string, error) {
		if req.Stage == StageDiscovery {
			token.Cancel()
		}
		return req.Stage + " output", nil
	}}
	o := New(eng, nil)

	_, err := o.Run(context.Background(), baseInput(), token, nil)
	assert.ErrorIs(t, err, domain.ErrScanCancelled)
	require.Len(t, eng.requests, 1)
	assert.Equal(t, StageDiscovery, eng.requests[0].Stage)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	token := NewCancelToken()
	token.Cancel()
	token.Cancel()
	eng := &recordingEngine{}

	_, err := New(eng, nil).Run(context.Background(), baseInput(), token, nil)
	assert.ErrorIs(t, err, domain.ErrScanCancelled)
	assert.Empty(t, eng.requests)
}

func TestDiscoveryIncludesIgnoredSources(t *testing.T) {
	eng := &recordingEngine{}
	in := baseInput()
	in.IgnoredSources = []domain.IgnoredSource{
		{URL: "https://example.com/advisory-1", Summary: "SSLVPN auth bypass"},
		{URL: "https://example.com/advisory-2"},
	}

	_, err := New(eng, nil).Run(context.Background(), in, nil, nil)
	require.NoError(t, err)

	discovery := eng.requests[0].Instructions
	assert.Contains(t, discovery, "IGNORED INCIDENTS AND SOURCES")
	assert.Contains(t, discovery, "- URL: https://example.com/advisory-1\n  Summary: SSLVPN auth bypass")
	assert.Contains(t, discovery, "- URL: https://example.com/advisory-2")
	assert.Contains(t, discovery, "SonicWall TZ570 in the last 60 days")
	assert.NotContains(t, eng.requests[1].Instructions, "IGNORED")
}

func TestDiscoveryWithoutIgnoredSources(t *testing.T) {
	eng := &recordingEngine{}
	_, err := New(eng, nil).Run(context.Background(), baseInput(), nil, nil)
	require.NoError(t, err)
	assert.False(t, strings.Contains(eng.requests[0].Instructions, "IGNORED"))
}

func TestNilCancelToken(t *testing.T) {
	var token *CancelToken
	token.Cancel()
	assert.False(t, token.Cancelled())
	assert.Nil(t, token.Done())
}

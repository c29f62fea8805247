package app

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/threatwatch/internal/config"
	"github.com/ashureev/threatwatch/internal/domain"
	"github.com/ashureev/threatwatch/internal/engine"
	"github.com/ashureev/threatwatch/internal/pipeline"
	"github.com/ashureev/threatwatch/internal/scan"
)

type closingEngine struct {
	engine.Func
	closed atomic.Bool
}

func (e *closingEngine) Close() { e.closed.Store(true) }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DBPath: filepath.Join(t.TempDir(), "data", "app.db"),
		Engine: config.EngineConfig{Kind: config.EngineGRPC, Addr: "localhost:0"},
		Scan: config.ScanConfig{
			Timeout:        time.Minute,
			TraceQueueSize: 16,
			ObserverBuffer: 16,
		},
	}
}

func TestNewWithoutEngine(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), nil, Options{SkipEngine: true})
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Engine)
	assert.Nil(t, a.Mirror)
	assert.Nil(t, a.Notifier)
	assert.NotNil(t, a.Scans)

	// Scans fail cleanly without an engine.
	require.NoError(t, a.Configs.Save(context.Background(), "s1", domain.AgentsConfig{
		domain.AgentResearcher: {Role: "R"},
		domain.AgentAnalyst:    {Role: "A"},
		domain.AgentSummarizer: {Role: "S"},
	}))
	_, err = a.Scans.StartScan(context.Background(), scan.Request{SessionID: "s1", Asset: "nginx"})
	assert.ErrorIs(t, err, domain.ErrEngineFailure)
}

func TestNewRunsScanWithInjectedEngine(t *testing.T) {
	eng := &closingEngine{Func: func(_ context.Context, req engine.Request, onStep engine.StepFunc) (string, error) {
		onStep(engine.Step{Thought: req.Stage})
		if req.Stage == pipeline.StageReport {
			return `{"summary":{"totalIncidents":0},"incidents":[]}`, nil
		}
		return "ok", nil
	}}

	a, err := New(context.Background(), testConfig(t), nil, Options{Engine: eng})
	require.NoError(t, err)

	require.NoError(t, a.Configs.Save(context.Background(), "s1", domain.AgentsConfig{
		domain.AgentResearcher: {Role: "R"},
		domain.AgentAnalyst:    {Role: "A"},
		domain.AgentSummarizer: {Role: "S"},
	}))

	res, err := a.Scans.StartScan(context.Background(), scan.Request{SessionID: "s1", Asset: "nginx"})
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.Empty(t, res.Report.Incidents)

	events, err := a.Traces.List(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, events, 3)

	a.Close()
	assert.True(t, eng.closed.Load())
}

func TestNewInvalidSMTPSenderFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.SMTP.Host = "smtp.example.com"
	cfg.SMTP.Port = 587
	cfg.SMTP.From = "not an address"

	_, err := New(context.Background(), cfg, nil, Options{SkipEngine: true})
	require.Error(t, err)
}

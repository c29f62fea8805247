package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/threatwatch/internal/app"
	"github.com/ashureev/threatwatch/internal/config"
	"github.com/ashureev/threatwatch/internal/engine"
	"github.com/ashureev/threatwatch/internal/pipeline"
)

type fakeEngine struct{ engine.Func }

func (fakeEngine) Close() {}

func scriptedEngine() fakeEngine {
	return fakeEngine{Func: func(_ context.Context, req engine.Request, onStep engine.StepFunc) (string, error) {
		onStep(engine.Step{Thought: "working on " + req.Stage, Action: "SerperDevTool", ToolInput: "nginx cve"})
		if req.Stage == pipeline.StageReport {
			return "```json\n{\"summary\":{\"totalIncidents\":0},\"incidents\":[],\"executiveSummary\":{\"overallRiskLevel\":\"Low\"}}\n```", nil
		}
		return req.Stage + " output", nil
	}}
}

// run executes threatctl against dbPath with an in-process engine.
func run(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	open := func(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts app.Options) (*app.App, error) {
		if !opts.SkipEngine {
			opts.Engine = scriptedEngine()
		}
		return app.New(ctx, cfg, logger, opts)
	}

	cmd := newRootCmd(open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--db", dbPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

const agentsYAML = `researcher:
  role: Threat Researcher
  goal: Find incidents
  backstory: Veteran analyst
  tools: [SerperDevTool]
analyst:
  role: Threat Analyst
  goal: Assess impact
  backstory: Risk specialist
  tools: []
summarizer:
  role: Report Writer
  goal: Summarize
  backstory: Writer
  tools: []
`

func writeAgents(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(agentsYAML), 0o600))
	return path
}

func TestConfigSetGetAndScan(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cli.db")

	out, err := run(t, db, "config", "set", "s1", writeAgents(t))
	require.NoError(t, err, out)
	assert.Contains(t, out, "saved 3 agents for session s1")

	out, err = run(t, db, "config", "get", "s1", "--yaml")
	require.NoError(t, err, out)
	assert.Contains(t, out, "role: Threat Researcher")

	out, err = run(t, db, "scan", "s1", "--asset", "nginx", "--attr", "version=1.25")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Threat Researcher Agent: working on discovery")
	assert.Contains(t, out, "-> SerperDevTool(nginx cve)")
	assert.Contains(t, out, "scan completed")
	assert.Contains(t, out, `"overallRiskLevel": "Low"`)

	out, err = run(t, db, "traces", "s1", "--limit", "1")
	require.NoError(t, err, out)
	assert.Equal(t, 1, strings.Count(out, "Agent:"))
	assert.Contains(t, out, "Report Synthesis Agent")

	out, err = run(t, db, "report", "s1", "--html")
	require.NoError(t, err, out)
	assert.Contains(t, out, "<html")

	out, err = run(t, db, "sessions")
	require.NoError(t, err, out)
	assert.Contains(t, out, "s1")
	assert.Contains(t, out, "true")
}

func TestScanWithoutConfigFails(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cli.db")
	_, err := run(t, db, "scan", "s1", "--asset", "nginx")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration for agent 'researcher' not found")
}

func TestIgnoreCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cli.db")

	_, err := run(t, db, "ignore", "add", "https://example.com/advisory", "--summary", "old RCE")
	require.NoError(t, err)

	out, err := run(t, db, "ignore", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "https://example.com/advisory")
	assert.Contains(t, out, "old RCE")

	_, err = run(t, db, "ignore", "rm", "https://example.com/advisory")
	require.NoError(t, err)

	_, err = run(t, db, "ignore", "rm", "https://example.com/advisory")
	assert.Error(t, err)
}

func TestReportMissing(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cli.db")
	_, err := run(t, db, "report", "nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no report")
}

func TestParseAttributes(t *testing.T) {
	attrs, err := parseAttributes([]string{"version=1.25", " vendor = F5 ", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"version": "1.25", "vendor": "F5", "empty": ""}, attrs)

	_, err = parseAttributes([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseAttributes([]string{"=x"})
	assert.Error(t, err)
}

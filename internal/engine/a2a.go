package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	sdka2a "github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2aclient"
	"github.com/google/uuid"

	"github.com/ashureev/threatwatch/internal/domain"
)

// A2AClient runs stages on a remote agent that speaks the A2A protocol.
// Intermediate agent messages in the returned task history are reported as
// steps; the final output is taken from the task artifacts.
type A2AClient struct {
	client *a2aclient.Client
	logger *slog.Logger
}

// NewA2AClient creates a JSON-RPC A2A client for the agent at url.
func NewA2AClient(ctx context.Context, url string, logger *slog.Logger) (*A2AClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("a2a endpoint: %w", domain.ErrInvalidRequest)
	}
	client, err := a2aclient.NewFromEndpoints(ctx, []sdka2a.AgentInterface{
		{URL: url, Transport: sdka2a.TransportProtocolJSONRPC},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create a2a client for %s: %w", url, err)
	}
	logger.Info("Using A2A engine", "url", url)
	return &A2AClient{client: client, logger: logger}, nil
}

// Close releases the underlying client.
func (c *A2AClient) Close() {
	if c.client == nil {
		return
	}
	if err := c.client.Destroy(); err != nil {
		c.logger.Warn("failed to close a2a client", "error", err)
	}
}

// Execute sends the stage as a single user message.
func (c *A2AClient) Execute(ctx context.Context, req Request, onStep StepFunc) (string, error) {
	msg := &sdka2a.Message{
		ID:        uuid.NewString(),
		Role:      sdka2a.MessageRole("user"),
		Parts:     sdka2a.ContentParts{&sdka2a.TextPart{Text: composePrompt(req)}},
		ContextID: req.SessionID,
		Metadata: map[string]any{
			"stage":            req.Stage,
			"role":             req.Agent.Role,
			"tools":            req.Agent.Tools,
			"llm":              req.Agent.LLM,
			"allow_delegation": req.Agent.AllowDelegation,
		},
	}

	result, err := c.client.SendMessage(ctx, &sdka2a.MessageSendParams{Message: msg})
	if err != nil {
		return "", fmt.Errorf("%w: a2a send: %v", domain.ErrEngineFailure, err)
	}

	switch r := result.(type) {
	case *sdka2a.Message:
		return partsText(r.Parts), nil
	case *sdka2a.Task:
		return taskOutput(r, onStep)
	default:
		return "", fmt.Errorf("%w: unexpected a2a result %T", domain.ErrEngineFailure, result)
	}
}

func taskOutput(task *sdka2a.Task, onStep StepFunc) (string, error) {
	var lastAgent string
	for _, m := range task.History {
		if m == nil || m.Role != sdka2a.MessageRoleAgent {
			continue
		}
		text := partsText(m.Parts)
		if text == "" {
			continue
		}
		lastAgent = text
		if onStep != nil {
			onStep(Step{Thought: text})
		}
	}

	switch task.Status.State {
	case sdka2a.TaskStateFailed, sdka2a.TaskStateRejected, sdka2a.TaskStateCanceled:
		reason := string(task.Status.State)
		if task.Status.Message != nil {
			if text := partsText(task.Status.Message.Parts); text != "" {
				reason = text
			}
		}
		return "", fmt.Errorf("%w: a2a task %s", domain.ErrEngineFailure, reason)
	}

	var out []string
	for _, art := range task.Artifacts {
		if art == nil {
			continue
		}
		if text := partsText(art.Parts); text != "" {
			out = append(out, text)
		}
	}
	if len(out) > 0 {
		return strings.Join(out, "\n"), nil
	}
	if task.Status.Message != nil {
		if text := partsText(task.Status.Message.Parts); text != "" {
			return text, nil
		}
	}
	return lastAgent, nil
}

func partsText(parts sdka2a.ContentParts) string {
	var b strings.Builder
	for _, p := range parts {
		if tp, ok := p.(*sdka2a.TextPart); ok && tp.Text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// composePrompt flattens a stage request into the single text part A2A
// agents accept.
func composePrompt(req Request) string {
	var b strings.Builder
	if req.Agent.Role != "" {
		fmt.Fprintf(&b, "You are %s.\n", req.Agent.Role)
	}
	if req.Agent.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", req.Agent.Goal)
	}
	if req.Agent.Backstory != "" {
		fmt.Fprintf(&b, "Background: %s\n", req.Agent.Backstory)
	}
	if len(req.Agent.Tools) > 0 {
		fmt.Fprintf(&b, "Tools available: %s\n", strings.Join(req.Agent.Tools, ", "))
	}
	b.WriteString("\nTask:\n")
	b.WriteString(req.Instructions)
	if req.ExpectedOutput != "" {
		fmt.Fprintf(&b, "\n\nExpected output: %s", req.ExpectedOutput)
	}
	for i, c := range req.Context {
		fmt.Fprintf(&b, "\n\nContext from previous stage %d:\n%s", i+1, c)
	}
	return b.String()
}

var _ Engine = (*A2AClient)(nil)

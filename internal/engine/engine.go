// Package engine defines the agent-execution engine boundary and its
// transport clients.
package engine

import (
	"context"

	"github.com/ashureev/threatwatch/internal/domain"
)

// Step is one intermediate reasoning step reported by the engine while a
// stage runs.
type Step struct {
	Thought   string `json:"thought,omitempty"`
	Action    string `json:"action,omitempty"`
	ToolInput string `json:"tool_input,omitempty"`
}

// StepFunc receives steps in the order the engine emits them.
type StepFunc func(Step)

// Request is a single stage execution.
type Request struct {
	SessionID      string
	Stage          string
	Instructions   string
	ExpectedOutput string
	// Context holds the full output of every upstream stage, in order.
	Context []string
	Agent   domain.AgentDefinition
}

// Engine executes one stage and returns its final free-text output.
// Implementations call onStep zero or more times before returning and
// never after.
type Engine interface {
	Execute(ctx context.Context, req Request, onStep StepFunc) (string, error)
}

// Func adapts a function to the Engine interface.
type Func func(ctx context.Context, req Request, onStep StepFunc) (string, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request, onStep StepFunc) (string, error) {
	return f(ctx, req, onStep)
}

package engine

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/threatwatch/internal/domain"
)

// Stream message kinds sent by the engine service.
const (
	kindStep   = "step"
	kindResult = "result"
	kindError  = "error"
)

var errMissingField = errors.New("missing field")

func encodeRequest(req Request) (*structpb.Struct, error) {
	ctxItems := make([]any, len(req.Context))
	for i, c := range req.Context {
		ctxItems[i] = c
	}
	tools := make([]any, len(req.Agent.Tools))
	for i, t := range req.Agent.Tools {
		tools[i] = t
	}
	msg, err := structpb.NewStruct(map[string]any{
		"session_id":      req.SessionID,
		"stage":           req.Stage,
		"instructions":    req.Instructions,
		"expected_output": req.ExpectedOutput,
		"context":         ctxItems,
		"agent": map[string]any{
			"role":             req.Agent.Role,
			"goal":             req.Agent.Goal,
			"backstory":        req.Agent.Backstory,
			"tools":            tools,
			"llm":              req.Agent.LLM,
			"verbose":          req.Agent.Verbose,
			"allow_delegation": req.Agent.AllowDelegation,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return msg, nil
}

func decodeRequest(msg *structpb.Struct) (Request, error) {
	fields := msg.GetFields()
	req := Request{
		SessionID:      fields["session_id"].GetStringValue(),
		Stage:          fields["stage"].GetStringValue(),
		Instructions:   fields["instructions"].GetStringValue(),
		ExpectedOutput: fields["expected_output"].GetStringValue(),
	}
	if req.Instructions == "" {
		return Request{}, fmt.Errorf("decode request: %w: instructions", errMissingField)
	}
	for _, v := range fields["context"].GetListValue().GetValues() {
		req.Context = append(req.Context, v.GetStringValue())
	}

	agent := fields["agent"].GetStructValue().GetFields()
	req.Agent = domain.AgentDefinition{
		Role:            agent["role"].GetStringValue(),
		Goal:            agent["goal"].GetStringValue(),
		Backstory:       agent["backstory"].GetStringValue(),
		LLM:             agent["llm"].GetStringValue(),
		Verbose:         agent["verbose"].GetBoolValue(),
		AllowDelegation: agent["allow_delegation"].GetBoolValue(),
	}
	for _, v := range agent["tools"].GetListValue().GetValues() {
		req.Agent.Tools = append(req.Agent.Tools, v.GetStringValue())
	}
	return req, nil
}

func stepMessage(s Step) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":       structpb.NewStringValue(kindStep),
		"thought":    structpb.NewStringValue(s.Thought),
		"action":     structpb.NewStringValue(s.Action),
		"tool_input": structpb.NewStringValue(s.ToolInput),
	}}
}

func resultMessage(output string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":   structpb.NewStringValue(kindResult),
		"output": structpb.NewStringValue(output),
	}}
}

func errorMessage(err error) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":    structpb.NewStringValue(kindError),
		"message": structpb.NewStringValue(err.Error()),
	}}
}

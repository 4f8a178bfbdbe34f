package domain

import "encoding/json"

// ChatMessage is the provider-agnostic chat message shape used by the
// controller and LLM integrations. An assistant message may carry pending
// tool calls; the controller honors at most one per model turn.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// ToolCall is a model-issued request to invoke a named tool. Arguments holds
// the decoded argument mapping; a bare-string argument payload is exposed
// under the "__arg1" key.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolDefinition describes one callable tool advertised to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

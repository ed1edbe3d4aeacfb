package types

import (
	"encoding/json"
	"time"
)

// ToolSchema defines a tool's interface for LLM function calling.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
	Version     string          `json:"version,omitempty"`
}

// ToolResult represents the result of a tool execution.
// A failed tool reports Success=false and an Error string; it is never
// surfaced as a Go error to the caller.
type ToolResult struct {
	CallID   string          `json:"call_id"`
	Name     string          `json:"name"`
	Success  bool            `json:"success"`
	Content  json.RawMessage `json:"content,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// ToMessage converts the result to a tool-role conversation message.
func (tr ToolResult) ToMessage() Message {
	content := string(tr.Content)
	if !tr.Success {
		content = "Error: " + tr.Error
	}
	return Message{
		Role:       RoleTool,
		Content:    content,
		Name:       tr.Name,
		ToolCallID: tr.CallID,
	}
}

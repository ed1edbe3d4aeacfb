package workflow

import (
	"encoding/json"
	"fmt"
)

// NodeKind defines visual graph node kinds.
type NodeKind string

const (
	NodeInput     NodeKind = "input"
	NodeAgent     NodeKind = "agent"
	NodeTemplate  NodeKind = "template"
	NodeOutput    NodeKind = "output"
	NodeCondition NodeKind = "condition"
	NodeLoop      NodeKind = "loop"
)

// runnable reports whether a node kind becomes a plan step.
func (k NodeKind) runnable() bool {
	return k == NodeAgent || k == NodeTemplate
}

// NodeConfig contains node-specific configuration from the visual editor.
type NodeConfig struct {
	// Input / template node config
	Text string `json:"text,omitempty"`

	// Agent node config
	Model           string   `json:"model,omitempty"`
	Provider        string   `json:"provider,omitempty"`
	SystemPrompt    string   `json:"system_prompt,omitempty"`
	Prompt          string   `json:"prompt,omitempty"`
	Tools           []string `json:"tools,omitempty"`
	SuccessCriteria string   `json:"success_criteria,omitempty"`

	// Condition node config
	ConditionMode string `json:"condition_mode,omitempty"` // llm | expression
	Condition     string `json:"condition,omitempty"`

	// Loop node config
	LoopMode      string `json:"loop_mode,omitempty"` // count | until
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// GraphNode represents a node placed in the visual editor.
type GraphNode struct {
	ID     string     `json:"id"`
	Kind   NodeKind   `json:"type"`
	Label  string     `json:"label,omitempty"`
	Config NodeConfig `json:"config"`
}

// GraphEdge represents a directed connection source -> target.
type GraphEdge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Graph is the node/edge document produced by the drag-and-drop editor.
type Graph struct {
	ID    string      `json:"id,omitempty"`
	Name  string      `json:"name,omitempty"`
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// ParseGraph decodes a visual graph from JSON.
func ParseGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse graph: %w", err)
	}
	return &g, nil
}

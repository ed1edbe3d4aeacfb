package workflow

import (
	"fmt"

	"github.com/BaSui01/flowengine/llm"
	"github.com/BaSui01/flowengine/types"
)

// CompileError reports why a graph cannot be compiled into a plan.
type CompileError struct {
	Code   types.ErrorCode
	Reason string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Reason)
}

// CompileResult is the output of compiling a visual graph.
type CompileResult struct {
	Plan         *types.WorkflowPlan
	EntryMessage string
	Model        string
	Provider     string
	SystemPrompt string
	EnabledTools []string
	OutputNodeID string
	Warnings     []string
}

// Compile converts a visual node/edge graph into an ordered,
// dependency-annotated WorkflowPlan using Kahn's topological sort.
//
// Only agent and template nodes become plan steps. Input, output, condition
// and loop nodes are transparent for dependency derivation: a step depends on
// the nearest runnable predecessors reachable through incoming edges.
//
// Compilation is deterministic: ties in the topological order are broken by
// the node's position in the input array, and the plan's CreatedAt is left
// zero so compiling the same graph twice yields identical plans (the engine
// stamps CreatedAt when the run starts).
func Compile(g *Graph) (*CompileResult, error) {
	if g == nil || len(g.Nodes) == 0 {
		return nil, &CompileError{Code: types.ErrCompileInvalid, Reason: "graph has no nodes"}
	}

	pos := make(map[string]int, len(g.Nodes))
	byID := make(map[string]*GraphNode, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if _, dup := byID[n.ID]; dup {
			return nil, &CompileError{Code: types.ErrCompileInvalid, Reason: fmt.Sprintf("duplicate node id %q", n.ID)}
		}
		byID[n.ID] = n
		pos[n.ID] = i
	}

	// Edge-derived adjacency and in-degrees. Edges must reference known nodes.
	outgoing := make(map[string][]string, len(g.Nodes))
	incoming := make(map[string][]string, len(g.Nodes))
	indegree := make(map[string]int, len(g.Nodes))
	for _, e := range g.Edges {
		if _, ok := byID[e.Source]; !ok {
			return nil, &CompileError{Code: types.ErrCompileInvalid, Reason: fmt.Sprintf("edge references unknown source %q", e.Source)}
		}
		if _, ok := byID[e.Target]; !ok {
			return nil, &CompileError{Code: types.ErrCompileInvalid, Reason: fmt.Sprintf("edge references unknown target %q", e.Target)}
		}
		outgoing[e.Source] = append(outgoing[e.Source], e.Target)
		incoming[e.Target] = append(incoming[e.Target], e.Source)
		indegree[e.Target]++
	}

	order, err := topoSort(g, pos, outgoing, indegree)
	if err != nil {
		return nil, err
	}

	result := &CompileResult{}

	// Dependency derivation: nearest runnable predecessors, looking through
	// non-runnable nodes.
	runnableDeps := func(id string) []string {
		seen := map[string]bool{}
		var deps []string
		var walk func(string)
		walk = func(cur string) {
			for _, pred := range incoming[cur] {
				if seen[pred] {
					continue
				}
				seen[pred] = true
				if byID[pred].Kind.runnable() {
					deps = append(deps, pred)
				} else {
					walk(pred)
				}
			}
		}
		walk(id)
		sortByPos(deps, pos)
		return deps
	}

	var steps []types.PlanStep
	hasAgent, hasInput, hasOutput := false, false, false
	var firstAgent *GraphNode
	toolSeen := map[string]bool{}

	for _, id := range order {
		n := byID[id]
		switch n.Kind {
		case NodeInput:
			if !hasInput {
				hasInput = true
				result.EntryMessage = n.Config.Text
			}
		case NodeOutput:
			if !hasOutput {
				hasOutput = true
				result.OutputNodeID = n.ID
			}
		case NodeCondition, NodeLoop:
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s node %q is not executable and is treated as a pass-through", n.Kind, n.ID))
		case NodeAgent:
			hasAgent = true
			if firstAgent == nil {
				firstAgent = n
			}
			for _, t := range n.Config.Tools {
				if !toolSeen[t] {
					toolSeen[t] = true
					result.EnabledTools = append(result.EnabledTools, t)
				}
			}
			steps = append(steps, compileStep(n, runnableDeps(n.ID)))
		case NodeTemplate:
			steps = append(steps, compileStep(n, runnableDeps(n.ID)))
		default:
			return nil, &CompileError{Code: types.ErrCompileInvalid, Reason: fmt.Sprintf("unknown node type %q", n.Kind)}
		}
	}

	if !hasAgent {
		return nil, &CompileError{Code: types.ErrCompileNoAgent, Reason: "graph has no agent node; no plan is executable without at least one reasoning step"}
	}
	if !hasInput {
		result.Warnings = append(result.Warnings, "graph has no input node; a synthetic start message is used")
	}
	if !hasOutput {
		result.Warnings = append(result.Warnings, "graph has no output node")
	}

	if firstAgent != nil {
		result.Provider = firstAgent.Config.Provider
		result.Model = firstAgent.Config.Model
		result.SystemPrompt = firstAgent.Config.SystemPrompt
		if result.Model == "" {
			result.Model = llm.DefaultModelFor(result.Provider)
		}
	}

	goal := result.EntryMessage
	if goal == "" {
		goal = g.Name
	}
	if result.EntryMessage == "" {
		result.EntryMessage = goal
	}

	result.Plan = &types.WorkflowPlan{
		Goal:     goal,
		Steps:    steps,
		MaxSteps: len(steps),
		Version:  1,
	}
	return result, nil
}

// topoSort runs Kahn's algorithm. Ties are broken by original node array
// order; "sorted count < node count" is the cycle signal.
func topoSort(g *Graph, pos map[string]int, outgoing map[string][]string, indegree map[string]int) ([]string, error) {
	remaining := make(map[string]int, len(g.Nodes))
	var ready []string
	for _, n := range g.Nodes {
		remaining[n.ID] = indegree[n.ID]
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		// Lowest original index first keeps the order deterministic.
		best := 0
		for i := 1; i < len(ready); i++ {
			if pos[ready[i]] < pos[ready[best]] {
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, id)

		for _, next := range outgoing[id] {
			remaining[next]--
			if remaining[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) < len(g.Nodes) {
		var stuck []string
		for _, n := range g.Nodes {
			if remaining[n.ID] > 0 {
				stuck = append(stuck, n.ID)
			}
		}
		return nil, &CompileError{
			Code:   types.ErrCompileCycle,
			Reason: fmt.Sprintf("graph contains a cycle involving nodes %v", stuck),
		}
	}
	return order, nil
}

func compileStep(n *GraphNode, deps []string) types.PlanStep {
	desc := n.Config.Prompt
	if desc == "" {
		desc = n.Config.Text
	}
	if desc == "" {
		desc = n.Label
	}
	if desc == "" {
		desc = n.ID
	}
	return types.PlanStep{
		ID:              n.ID,
		Description:     desc,
		ExpectedTools:   append([]string(nil), n.Config.Tools...),
		DependsOn:       deps,
		SuccessCriteria: n.Config.SuccessCriteria,
	}
}

func sortByPos(ids []string, pos map[string]int) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && pos[ids[j]] < pos[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

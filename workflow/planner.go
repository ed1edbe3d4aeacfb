package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/llm"
	"github.com/BaSui01/flowengine/types"
)

// FallbackStepDescription is the fixed sentinel used for the single step of a
// degraded plan. Tests and callers may rely on this exact string.
const FallbackStepDescription = "execute the task directly"

const plannerSystemPrompt = `You are a planning assistant. Break the user's goal into a short ordered
list of concrete steps. Respond with a single JSON object and nothing else:

{"goal": "<restated goal>", "max_steps": <int>, "steps": [
  {"id": "step-1", "description": "...", "expected_tools": ["..."],
   "depends_on": [], "success_criteria": "..."}
]}

Only reference tools from the available tool list. Keep plans minimal.`

// Planner produces a WorkflowPlan from a goal via one provider call.
//
// 规划失败（空内容、JSON 解析失败、空步骤）不会向上传播：
// 返回确定性的单步降级计划，保证引擎始终有可执行的计划。
type Planner struct {
	provider llm.Provider
	model    string
	logger   *zap.Logger
}

// NewPlanner creates a planner bound to a provider and model.
func NewPlanner(provider llm.Provider, model string, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		provider: provider,
		model:    model,
		logger:   logger.With(zap.String("component", "planner")),
	}
}

// Plan asks the provider for a plan. It never fails: provider errors and
// unusable output both degrade to FallbackPlan.
func (p *Planner) Plan(ctx context.Context, goal string, available []types.ToolSchema) *types.WorkflowPlan {
	toolNames := make([]string, 0, len(available))
	var toolLines []string
	for _, t := range available {
		toolNames = append(toolNames, t.Name)
		toolLines = append(toolLines, fmt.Sprintf("- %s: %s", t.Name, t.Description))
	}

	user := fmt.Sprintf("Goal: %s\n\nAvailable tools:\n%s", goal, strings.Join(toolLines, "\n"))
	if len(toolLines) == 0 {
		user = fmt.Sprintf("Goal: %s\n\nAvailable tools: none", goal)
	}

	resp, err := p.provider.Completion(ctx, &llm.ChatRequest{
		Model: p.model,
		Messages: []types.Message{
			types.NewSystemMessage(plannerSystemPrompt),
			types.NewUserMessage(user),
		},
	})
	if err != nil {
		p.logger.Warn("planning call failed, using fallback plan", zap.Error(err))
		return FallbackPlan(goal)
	}

	plan, ok := parsePlan(resp.Content(), goal, toolNames)
	if !ok {
		p.logger.Warn("planner output unusable, using fallback plan",
			zap.Int("content_len", len(resp.Content())))
		return FallbackPlan(goal)
	}

	p.logger.Info("plan created", zap.String("goal", plan.Goal), zap.Int("steps", len(plan.Steps)))
	return plan
}

// FallbackPlan returns the deterministic one-step plan used when planning
// degrades. Its single step's description is FallbackStepDescription.
func FallbackPlan(goal string) *types.WorkflowPlan {
	return &types.WorkflowPlan{
		Goal: goal,
		Steps: []types.PlanStep{{
			ID:              "step-1",
			Description:     FallbackStepDescription,
			SuccessCriteria: "the user's request has been addressed",
		}},
		MaxSteps:  1,
		CreatedAt: time.Now(),
		Version:   1,
	}
}

// parsePlan extracts and validates the planner's JSON output.
func parsePlan(content, goal string, toolNames []string) (*types.WorkflowPlan, bool) {
	raw := extractJSONObject(content)
	if raw == "" {
		return nil, false
	}

	var parsed struct {
		Goal     string           `json:"goal"`
		MaxSteps int              `json:"max_steps"`
		Steps    []types.PlanStep `json:"steps"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, false
	}
	if len(parsed.Steps) == 0 {
		return nil, false
	}

	known := make(map[string]bool, len(toolNames))
	for _, n := range toolNames {
		known[n] = true
	}

	ids := make(map[string]bool, len(parsed.Steps))
	for i := range parsed.Steps {
		st := &parsed.Steps[i]
		if st.ID == "" || ids[st.ID] {
			st.ID = fmt.Sprintf("step-%d", i+1)
		}
		ids[st.ID] = true
		// Drop tool references the registry does not offer.
		var kept []string
		for _, t := range st.ExpectedTools {
			if known[t] {
				kept = append(kept, t)
			}
		}
		st.ExpectedTools = kept
	}
	// Drop dependencies on unknown step ids (hand-authored plans may be sloppy).
	for i := range parsed.Steps {
		var deps []string
		for _, d := range parsed.Steps[i].DependsOn {
			if ids[d] {
				deps = append(deps, d)
			}
		}
		parsed.Steps[i].DependsOn = deps
	}

	planGoal := parsed.Goal
	if planGoal == "" {
		planGoal = goal
	}
	maxSteps := parsed.MaxSteps
	if maxSteps <= 0 {
		maxSteps = len(parsed.Steps)
	}
	return &types.WorkflowPlan{
		Goal:      planGoal,
		Steps:     parsed.Steps,
		MaxSteps:  maxSteps,
		CreatedAt: time.Now(),
		Version:   1,
	}, true
}

// extractJSONObject returns the outermost {...} slice of content, tolerating
// prose or code fences around the JSON.
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

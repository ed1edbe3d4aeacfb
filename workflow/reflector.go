package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/llm"
	"github.com/BaSui01/flowengine/types"
)

const reflectorSystemPrompt = `You are a workflow supervisor. Assess the outcome of the step that just
finished and decide how the run proceeds. Respond with a single JSON object
and nothing else:

{"assessment": "success" | "partial" | "failure",
 "next_action": "continue" | "adjust_plan" | "complete" | "abort",
 "comment": "...",
 "final_answer": "...",            // only with next_action = complete
 "plan_adjustment": {              // only with next_action = adjust_plan
   "reason": "...",
   "new_steps": [{"id": "...", "description": "...", "depends_on": [],
                  "success_criteria": "..."}]}}

Choose complete when the goal is already satisfied, abort only when further
work cannot possibly help.`

// Reflector asks the provider to judge a completed step and pick the next
// action. Parse and provider failures are absorbed: the run continues with a
// neutral verdict rather than aborting.
type Reflector struct {
	provider llm.Provider
	model    string
	logger   *zap.Logger
}

// NewReflector creates a reflector bound to a provider and model.
func NewReflector(provider llm.Provider, model string, logger *zap.Logger) *Reflector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reflector{
		provider: provider,
		model:    model,
		logger:   logger.With(zap.String("component", "reflector")),
	}
}

// Reflect returns the verdict for the given step record. The second return
// is false when the verdict was defaulted because the provider call or its
// output could not be used.
func (r *Reflector) Reflect(ctx context.Context, goal string, plan *types.WorkflowPlan, rec *types.WorkflowStep, remaining []string) (types.StepReflection, bool) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n\n", goal)
	fmt.Fprintf(&sb, "Step just executed: %s (plan step %s)\nStatus: %s\n", rec.Description, rec.PlanStepID, rec.Status)
	if st, ok := plan.Step(rec.PlanStepID); ok && st.SuccessCriteria != "" {
		fmt.Fprintf(&sb, "Success criteria: %s\n", st.SuccessCriteria)
	}
	if rec.Output != "" {
		fmt.Fprintf(&sb, "Output:\n%s\n", rec.Output)
	}
	if rec.Error != "" {
		fmt.Fprintf(&sb, "Error: %s\n", rec.Error)
	}
	for _, tr := range rec.ToolResults {
		status := "ok"
		if !tr.Success {
			status = "FAILED: " + tr.Error
		}
		fmt.Fprintf(&sb, "Tool %s -> %s\n", tr.Name, status)
	}
	if len(remaining) > 0 {
		fmt.Fprintf(&sb, "\nRemaining steps: %s\n", strings.Join(remaining, ", "))
	} else {
		sb.WriteString("\nNo steps remain.\n")
	}

	resp, err := r.provider.Completion(ctx, &llm.ChatRequest{
		Model: r.model,
		Messages: []types.Message{
			types.NewSystemMessage(reflectorSystemPrompt),
			types.NewUserMessage(sb.String()),
		},
	})
	if err != nil {
		r.logger.Warn("reflection call failed, defaulting to continue", zap.Error(err))
		return defaultReflection("reflection call failed: " + err.Error()), false
	}

	refl, ok := parseReflection(resp.Content())
	if !ok {
		r.logger.Warn("reflection output unusable, defaulting to continue",
			zap.Int("content_len", len(resp.Content())))
		return defaultReflection("reflection output could not be parsed"), false
	}
	return refl, true
}

func defaultReflection(comment string) types.StepReflection {
	return types.StepReflection{
		Assessment: types.AssessPartial,
		NextAction: types.ActionContinue,
		Comment:    comment,
	}
}

func parseReflection(content string) (types.StepReflection, bool) {
	raw := extractJSONObject(content)
	if raw == "" {
		return types.StepReflection{}, false
	}

	var refl types.StepReflection
	if err := json.Unmarshal([]byte(raw), &refl); err != nil {
		return types.StepReflection{}, false
	}

	switch refl.Assessment {
	case types.AssessSuccess, types.AssessPartial, types.AssessFailure:
	default:
		refl.Assessment = types.AssessPartial
	}

	switch refl.NextAction {
	case types.ActionContinue, types.ActionComplete, types.ActionAbort:
	case types.ActionAdjustPlan:
		// An adjustment without replacement steps cannot be applied.
		if refl.Adjustment == nil || len(refl.Adjustment.NewSteps) == 0 {
			refl.NextAction = types.ActionContinue
		}
	default:
		refl.NextAction = types.ActionContinue
	}
	return refl, true
}

package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/llm"
	"github.com/BaSui01/flowengine/tools"
	"github.com/BaSui01/flowengine/types"
)

// maxToolRounds bounds the provider-call/tool-dispatch loop inside one step.
const maxToolRounds = 4

// stepContext carries the run-scoped inputs a step execution needs.
type stepContext struct {
	workflowID   string
	goal         string
	model        string
	systemPrompt string
	config       types.WorkflowConfig
	// summaries of previously executed steps, oldest first
	priorSummaries []string
	// terminal status of previously executed plan steps, for expression conditions
	outcomes map[string]types.StepStatus
}

// StepExecutor runs one plan step: provider calls plus tool dispatch.
type StepExecutor struct {
	provider llm.Provider
	registry tools.Registry
	executor tools.Executor
	logger   *zap.Logger
}

// NewStepExecutor creates a step executor.
func NewStepExecutor(provider llm.Provider, registry tools.Registry, executor tools.Executor, logger *zap.Logger) *StepExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StepExecutor{
		provider: provider,
		registry: registry,
		executor: executor,
		logger:   logger.With(zap.String("component", "step_executor")),
	}
}

// ExecuteStep runs a single plan step to a terminal status and returns its
// execution record. Failures never escape as errors: they are recorded on
// the step and surfaced through the emitted events.
func (x *StepExecutor) ExecuteStep(ctx context.Context, st *types.PlanStep, sc *stepContext, executionIndex int, emit func(types.StreamEvent)) types.WorkflowStep {
	rec := types.WorkflowStep{
		PlanStepID:     st.ID,
		ExecutionIndex: executionIndex,
		Description:    st.Description,
		Status:         types.StepRunning,
		StartedAt:      time.Now(),
	}

	stepCtx := ctx
	if sc.config.StepTimeoutMs > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(sc.config.StepTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	switch st.Type {
	case types.StepTypeCondition:
		x.runCondition(stepCtx, st, sc, &rec)
	case types.StepTypeLoop:
		x.runLoop(stepCtx, st, sc, &rec, emit)
	default:
		x.runPlain(stepCtx, st, sc, &rec, emit)
	}

	rec.CompletedAt = time.Now()
	rec.DurationMs = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
	return rec
}

// runPlain executes the provider-call/tool-dispatch loop for an ordinary step.
func (x *StepExecutor) runPlain(ctx context.Context, st *types.PlanStep, sc *stepContext, rec *types.WorkflowStep, emit func(types.StreamEvent)) {
	messages := x.buildMessages(st, sc)
	schemas := x.enabledSchemas(sc)

	var lastContent string
	for round := 0; round <= maxToolRounds; round++ {
		resp, err := x.provider.Completion(ctx, &llm.ChatRequest{
			Model:    sc.model,
			Messages: messages,
			Tools:    schemas,
		})
		if err != nil {
			x.failStep(ctx, sc, rec, err, emit)
			return
		}

		calls := resp.ToolCalls()
		lastContent = resp.Content()
		if len(calls) == 0 || round == maxToolRounds {
			rec.Output = lastContent
			rec.Status = types.StepSuccess
			return
		}

		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = uuid.NewString()
			}
			emit(types.NewToolCallEvent(sc.workflowID, st.ID, calls[i]))
		}
		rec.ToolCalls = append(rec.ToolCalls, calls...)

		results := x.executor.Execute(ctx, calls)
		for _, res := range results {
			emit(types.NewToolResultEvent(sc.workflowID, st.ID, res))
		}
		rec.ToolResults = append(rec.ToolResults, results...)

		// Feed results back so the model can finish the step.
		messages = append(messages, types.Message{Role: types.RoleAssistant, Content: lastContent, ToolCalls: calls})
		for _, res := range results {
			messages = append(messages, res.ToMessage())
		}
	}
}

// runCondition evaluates a condition step. The boolean verdict is recorded in
// Output; the engine skips dependents of a false condition.
func (x *StepExecutor) runCondition(ctx context.Context, st *types.PlanStep, sc *stepContext, rec *types.WorkflowStep) {
	cfg := st.Condition
	if cfg == nil {
		rec.Status = types.StepFailed
		rec.Error = "condition step has no condition config"
		return
	}

	switch cfg.Mode {
	case types.ConditionExpression:
		verdict, err := evalCondExpr(cfg.Expression, sc.outcomes)
		if err != nil {
			rec.Status = types.StepFailed
			rec.Error = err.Error()
			return
		}
		rec.Output = fmt.Sprintf("%t", verdict)
		rec.Status = types.StepSuccess

	case types.ConditionLLM, "":
		verdict, err := x.askYesNo(ctx, sc, cfg.Prompt)
		if err != nil {
			rec.Status = types.StepFailed
			rec.Error = err.Error()
			return
		}
		rec.Output = fmt.Sprintf("%t", verdict)
		rec.Status = types.StepSuccess

	default:
		rec.Status = types.StepFailed
		rec.Error = fmt.Sprintf("unknown condition mode %q", cfg.Mode)
	}
}

// runLoop repeats the step's own provider round up to MaxIterations, checking
// the until-condition between rounds when configured.
func (x *StepExecutor) runLoop(ctx context.Context, st *types.PlanStep, sc *stepContext, rec *types.WorkflowStep, emit func(types.StreamEvent)) {
	cfg := st.Loop
	if cfg == nil {
		rec.Status = types.StepFailed
		rec.Error = "loop step has no loop config"
		return
	}
	iterations := cfg.MaxIterations
	if iterations <= 0 {
		iterations = 3
	}

	var outputs []string
	for i := 0; i < iterations; i++ {
		iter := *st
		iter.Type = types.StepTypePlain
		iter.Description = fmt.Sprintf("%s (iteration %d of at most %d)", st.Description, i+1, iterations)

		round := types.WorkflowStep{PlanStepID: rec.PlanStepID, Status: types.StepRunning, StartedAt: rec.StartedAt}
		x.runPlain(ctx, &iter, sc, &round, emit)
		rec.ToolCalls = append(rec.ToolCalls, round.ToolCalls...)
		rec.ToolResults = append(rec.ToolResults, round.ToolResults...)
		if round.Status == types.StepFailed {
			rec.Status = types.StepFailed
			rec.Error = round.Error
			rec.Output = strings.Join(outputs, "\n")
			return
		}
		outputs = append(outputs, round.Output)

		if cfg.Mode == types.LoopUntil && cfg.Condition != "" {
			done, err := x.askYesNo(ctx, sc, fmt.Sprintf("%s\n\nLatest result:\n%s", cfg.Condition, round.Output))
			if err == nil && done {
				break
			}
		}
	}
	rec.Output = strings.Join(outputs, "\n")
	rec.Status = types.StepSuccess
}

// askYesNo asks the provider for a strict boolean verdict.
func (x *StepExecutor) askYesNo(ctx context.Context, sc *stepContext, prompt string) (bool, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n\n", sc.goal)
	if len(sc.priorSummaries) > 0 {
		fmt.Fprintf(&sb, "Progress so far:\n%s\n\n", strings.Join(sc.priorSummaries, "\n"))
	}
	sb.WriteString(prompt)

	resp, err := x.provider.Completion(ctx, &llm.ChatRequest{
		Model: sc.model,
		Messages: []types.Message{
			types.NewSystemMessage("Answer the question with exactly YES or NO."),
			types.NewUserMessage(sb.String()),
		},
	})
	if err != nil {
		return false, err
	}
	answer := strings.ToUpper(strings.TrimSpace(resp.Content()))
	return strings.HasPrefix(answer, "YES"), nil
}

// failStep records a provider failure, distinguishing the per-step deadline.
func (x *StepExecutor) failStep(ctx context.Context, sc *stepContext, rec *types.WorkflowStep, err error, emit func(types.StreamEvent)) {
	rec.Status = types.StepFailed
	if x.stepDeadlineHit(ctx, sc, rec) {
		rec.Error = fmt.Sprintf("step timeout after %dms", sc.config.StepTimeoutMs)
		emit(types.NewErrorEvent(sc.workflowID, types.ErrStepTimeout, rec.Error, true))
	} else {
		rec.Error = err.Error()
		emit(types.NewErrorEvent(sc.workflowID, types.ErrUpstreamError, rec.Error, true))
	}
	x.logger.Warn("step failed",
		zap.String("plan_step_id", rec.PlanStepID),
		zap.String("error", rec.Error))
}

// stepDeadlineHit reports whether the step's own deadline expired, rather
// than the surrounding run deadline (which also surfaces on the step context
// as DeadlineExceeded) or a plain provider failure.
func (x *StepExecutor) stepDeadlineHit(ctx context.Context, sc *stepContext, rec *types.WorkflowStep) bool {
	if sc.config.StepTimeoutMs <= 0 || ctx.Err() != context.DeadlineExceeded {
		return false
	}
	d, ok := ctx.Deadline()
	if !ok || rec.StartedAt.IsZero() {
		return false
	}
	// The step context deadline is the earlier of the run deadline and
	// StartedAt+StepTimeoutMs; only the latter counts as a step timeout.
	return d.Sub(rec.StartedAt) >= time.Duration(sc.config.StepTimeoutMs)*time.Millisecond
}

// buildMessages assembles the provider request for one step.
func (x *StepExecutor) buildMessages(st *types.PlanStep, sc *stepContext) []types.Message {
	system := sc.systemPrompt
	if system == "" {
		system = "You are an autonomous agent executing one step of a larger workflow. Use the available tools when they help. Reply with the step's result."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Overall goal: %s\n\n", sc.goal)
	if len(sc.priorSummaries) > 0 {
		fmt.Fprintf(&sb, "Completed steps:\n%s\n\n", strings.Join(sc.priorSummaries, "\n"))
	}
	fmt.Fprintf(&sb, "Current step: %s", st.Description)
	if st.SuccessCriteria != "" {
		fmt.Fprintf(&sb, "\nSuccess criteria: %s", st.SuccessCriteria)
	}

	return []types.Message{
		types.NewSystemMessage(system),
		types.NewUserMessage(sb.String()),
	}
}

// enabledSchemas filters the registry's enabled tools down to the run config.
func (x *StepExecutor) enabledSchemas(sc *stepContext) []types.ToolSchema {
	if x.registry == nil {
		return nil
	}
	all := x.registry.ListEnabled()
	if len(sc.config.EnabledTools) == 0 {
		return all
	}
	allow := make(map[string]bool, len(sc.config.EnabledTools))
	for _, n := range sc.config.EnabledTools {
		allow[n] = true
	}
	var out []types.ToolSchema
	for _, s := range all {
		if allow[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

// evalCondExpr evaluates a small boolean expression over prior step outcomes.
// Grammar: or-expr of and-exprs of terms; a term is true, false, ok(<id>),
// failed(<id>), or ! term.
func evalCondExpr(expr string, outcomes map[string]types.StepStatus) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("empty condition expression")
	}
	for _, orPart := range strings.Split(expr, "||") {
		all := true
		for _, andPart := range strings.Split(orPart, "&&") {
			v, err := evalCondTerm(strings.TrimSpace(andPart), outcomes)
			if err != nil {
				return false, err
			}
			if !v {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

func evalCondTerm(term string, outcomes map[string]types.StepStatus) (bool, error) {
	if strings.HasPrefix(term, "!") {
		v, err := evalCondTerm(strings.TrimSpace(term[1:]), outcomes)
		return !v, err
	}
	switch {
	case term == "true":
		return true, nil
	case term == "false":
		return false, nil
	case strings.HasPrefix(term, "ok(") && strings.HasSuffix(term, ")"):
		id := strings.TrimSpace(term[3 : len(term)-1])
		return outcomes[id] == types.StepSuccess, nil
	case strings.HasPrefix(term, "failed(") && strings.HasSuffix(term, ")"):
		id := strings.TrimSpace(term[7 : len(term)-1])
		return outcomes[id] == types.StepFailed, nil
	}
	return false, fmt.Errorf("invalid condition term %q", term)
}

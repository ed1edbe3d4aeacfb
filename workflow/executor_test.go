package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowengine/testutil/mocks"
	"github.com/BaSui01/flowengine/tools"
	"github.com/BaSui01/flowengine/types"
)

type eventSink struct {
	events []types.StreamEvent
}

func (s *eventSink) emit(ev types.StreamEvent) { s.events = append(s.events, ev) }

func (s *eventSink) kinds() []types.EventKind {
	out := make([]types.EventKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind()
	}
	return out
}

func newStepContext(cfg types.WorkflowConfig) *stepContext {
	return &stepContext{
		workflowID: "wf-test",
		goal:       "the goal",
		model:      "m",
		config:     cfg,
		outcomes:   map[string]types.StepStatus{},
	}
}

func newTestStepExecutor(provider *mocks.MockProvider) (*StepExecutor, tools.Registry) {
	registry := mocks.NewTestRegistry()
	exec := tools.NewExecutor(registry, nil)
	return NewStepExecutor(provider, registry, exec, nil), registry
}

func TestExecuteStepPlainWithToolRound(t *testing.T) {
	provider := mocks.NewMockProvider().WithScript(
		mocks.ScriptedResponse{
			Content: "calling the tool",
			ToolCalls: []types.ToolCall{
				{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"v":1}`)},
			},
		},
		mocks.ScriptedResponse{Content: "tool said 1, done"},
	)
	x, _ := newTestStepExecutor(provider)
	sink := &eventSink{}

	st := &types.PlanStep{ID: "step-1", Description: "use the echo tool"}
	rec := x.ExecuteStep(context.Background(), st, newStepContext(types.WorkflowConfig{}), 0, sink.emit)

	assert.Equal(t, types.StepSuccess, rec.Status)
	assert.Equal(t, "tool said 1, done", rec.Output)
	require.Len(t, rec.ToolCalls, 1)
	require.Len(t, rec.ToolResults, 1)
	assert.True(t, rec.ToolResults[0].Success)
	assert.Equal(t, 2, provider.GetCallCount())
	assert.Equal(t, []types.EventKind{types.EventToolCall, types.EventToolResult}, sink.kinds())
	assert.GreaterOrEqual(t, rec.DurationMs, int64(0))
	assert.False(t, rec.CompletedAt.IsZero())
}

func TestExecuteStepNoToolsNeeded(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("direct answer")
	x, _ := newTestStepExecutor(provider)
	sink := &eventSink{}

	st := &types.PlanStep{ID: "step-1", Description: "answer directly"}
	rec := x.ExecuteStep(context.Background(), st, newStepContext(types.WorkflowConfig{}), 0, sink.emit)

	assert.Equal(t, types.StepSuccess, rec.Status)
	assert.Equal(t, "direct answer", rec.Output)
	assert.Empty(t, sink.events)
	assert.Equal(t, 1, provider.GetCallCount())
}

func TestExecuteStepToolRoundsBounded(t *testing.T) {
	// The provider always wants another tool call; the loop must still end.
	provider := mocks.NewMockProvider().
		WithResponse("again").
		WithToolCalls([]types.ToolCall{{Name: "echo", Arguments: json.RawMessage(`{}`)}})
	x, _ := newTestStepExecutor(provider)
	sink := &eventSink{}

	st := &types.PlanStep{ID: "step-1", Description: "loop forever"}
	rec := x.ExecuteStep(context.Background(), st, newStepContext(types.WorkflowConfig{}), 0, sink.emit)

	assert.Equal(t, types.StepSuccess, rec.Status)
	assert.Equal(t, maxToolRounds+1, provider.GetCallCount())
	assert.Len(t, rec.ToolCalls, maxToolRounds)
}

func TestExecuteStepProviderFailure(t *testing.T) {
	provider := mocks.NewMockProvider().WithError(assertAnError())
	x, _ := newTestStepExecutor(provider)
	sink := &eventSink{}

	st := &types.PlanStep{ID: "step-1", Description: "doomed"}
	rec := x.ExecuteStep(context.Background(), st, newStepContext(types.WorkflowConfig{}), 0, sink.emit)

	assert.Equal(t, types.StepFailed, rec.Status)
	assert.NotEmpty(t, rec.Error)
	require.Len(t, sink.events, 1)
	errEv, ok := sink.events[0].(*types.ErrorStreamEvent)
	require.True(t, ok)
	assert.True(t, errEv.Recoverable)
}

func TestExecuteStepTimeout(t *testing.T) {
	provider := mocks.NewMockProvider().WithDelay(300 * time.Millisecond)
	x, _ := newTestStepExecutor(provider)
	sink := &eventSink{}

	cfg := types.WorkflowConfig{StepTimeoutMs: 30}
	st := &types.PlanStep{ID: "step-1", Description: "too slow"}
	rec := x.ExecuteStep(context.Background(), st, newStepContext(cfg), 0, sink.emit)

	assert.Equal(t, types.StepFailed, rec.Status)
	assert.Contains(t, rec.Error, "step timeout")
	require.Len(t, sink.events, 1)
	errEv, ok := sink.events[0].(*types.ErrorStreamEvent)
	require.True(t, ok)
	assert.Equal(t, types.ErrStepTimeout, errEv.Code)
}

func TestExecuteStepRunDeadlineIsNotStepTimeout(t *testing.T) {
	provider := mocks.NewMockProvider().WithDelay(300 * time.Millisecond)
	x, _ := newTestStepExecutor(provider)
	sink := &eventSink{}

	// The surrounding run deadline expires; no per-step timeout is set.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	st := &types.PlanStep{ID: "step-1", Description: "run is out of time"}
	rec := x.ExecuteStep(ctx, st, newStepContext(types.WorkflowConfig{}), 0, sink.emit)

	assert.Equal(t, types.StepFailed, rec.Status)
	assert.NotContains(t, rec.Error, "step timeout")
	require.Len(t, sink.events, 1)
	errEv, ok := sink.events[0].(*types.ErrorStreamEvent)
	require.True(t, ok)
	assert.Equal(t, types.ErrUpstreamError, errEv.Code)
}

func TestExecuteStepRunDeadlineBeatsStepTimeout(t *testing.T) {
	provider := mocks.NewMockProvider().WithDelay(300 * time.Millisecond)
	x, _ := newTestStepExecutor(provider)
	sink := &eventSink{}

	// Both deadlines are set but the run deadline is the binding one.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	cfg := types.WorkflowConfig{StepTimeoutMs: 5000}
	st := &types.PlanStep{ID: "step-1", Description: "run is out of time"}
	rec := x.ExecuteStep(ctx, st, newStepContext(cfg), 0, sink.emit)

	assert.Equal(t, types.StepFailed, rec.Status)
	assert.NotContains(t, rec.Error, "step timeout")
	require.Len(t, sink.events, 1)
	errEv, ok := sink.events[0].(*types.ErrorStreamEvent)
	require.True(t, ok)
	assert.Equal(t, types.ErrUpstreamError, errEv.Code)
}

func TestExecuteConditionExpression(t *testing.T) {
	provider := mocks.NewMockProvider()
	x, _ := newTestStepExecutor(provider)

	sc := newStepContext(types.WorkflowConfig{})
	sc.outcomes["a"] = types.StepSuccess
	sc.outcomes["b"] = types.StepFailed

	st := &types.PlanStep{
		ID:        "check",
		Type:      types.StepTypeCondition,
		Condition: &types.ConditionConfig{Mode: types.ConditionExpression, Expression: "ok(a) && !failed(a)"},
	}
	rec := x.ExecuteStep(context.Background(), st, sc, 0, func(types.StreamEvent) {})

	assert.Equal(t, types.StepSuccess, rec.Status)
	assert.Equal(t, "true", rec.Output)
	// Expression conditions never call the provider.
	assert.Equal(t, 0, provider.GetCallCount())
}

func TestExecuteConditionLLM(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("YES, absolutely")
	x, _ := newTestStepExecutor(provider)

	st := &types.PlanStep{
		ID:        "check",
		Type:      types.StepTypeCondition,
		Condition: &types.ConditionConfig{Mode: types.ConditionLLM, Prompt: "is it ready?"},
	}
	rec := x.ExecuteStep(context.Background(), st, newStepContext(types.WorkflowConfig{}), 0, func(types.StreamEvent) {})

	assert.Equal(t, types.StepSuccess, rec.Status)
	assert.Equal(t, "true", rec.Output)
	assert.Equal(t, 1, provider.GetCallCount())
}

func TestExecuteConditionMissingConfig(t *testing.T) {
	x, _ := newTestStepExecutor(mocks.NewMockProvider())

	st := &types.PlanStep{ID: "check", Type: types.StepTypeCondition}
	rec := x.ExecuteStep(context.Background(), st, newStepContext(types.WorkflowConfig{}), 0, func(types.StreamEvent) {})
	assert.Equal(t, types.StepFailed, rec.Status)
}

func TestExecuteLoopCount(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("iteration output")
	x, _ := newTestStepExecutor(provider)

	st := &types.PlanStep{
		ID:   "loop",
		Type: types.StepTypeLoop,
		Loop: &types.LoopConfig{Mode: types.LoopCount, MaxIterations: 3},
	}
	rec := x.ExecuteStep(context.Background(), st, newStepContext(types.WorkflowConfig{}), 0, func(types.StreamEvent) {})

	assert.Equal(t, types.StepSuccess, rec.Status)
	assert.Equal(t, 3, provider.GetCallCount())
	assert.Contains(t, rec.Output, "iteration output")
}

func TestExecuteLoopUntilStopsEarly(t *testing.T) {
	// Iteration round answers, then the until-check says YES.
	provider := mocks.NewMockProvider().WithScript(
		mocks.ScriptedResponse{Content: "made progress"},
		mocks.ScriptedResponse{Content: "YES"},
		mocks.ScriptedResponse{Content: "should never run"},
	)
	x, _ := newTestStepExecutor(provider)

	st := &types.PlanStep{
		ID:   "loop",
		Type: types.StepTypeLoop,
		Loop: &types.LoopConfig{Mode: types.LoopUntil, MaxIterations: 5, Condition: "is the task done?"},
	}
	rec := x.ExecuteStep(context.Background(), st, newStepContext(types.WorkflowConfig{}), 0, func(types.StreamEvent) {})

	assert.Equal(t, types.StepSuccess, rec.Status)
	assert.Equal(t, "made progress", rec.Output)
	assert.Equal(t, 2, provider.GetCallCount())
}

func TestEvalCondExpr(t *testing.T) {
	outcomes := map[string]types.StepStatus{
		"a": types.StepSuccess,
		"b": types.StepFailed,
		"c": types.StepSkipped,
	}

	tests := []struct {
		expr    string
		want    bool
		wantErr bool
	}{
		{"true", true, false},
		{"false", false, false},
		{"ok(a)", true, false},
		{"ok(b)", false, false},
		{"failed(b)", true, false},
		{"failed(c)", false, false},
		{"ok(missing)", false, false},
		{"!ok(b)", true, false},
		{"ok(a) && failed(b)", true, false},
		{"ok(b) || ok(a)", true, false},
		{"ok(b) || failed(a)", false, false},
		{"ok(a) && ok(b) || true", true, false},
		{"", false, true},
		{"banana", false, true},
		{"ok(a", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evalCondExpr(tt.expr, outcomes)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// assertAnError avoids importing errors in half the tests above.
func assertAnError() error {
	return types.NewError(types.ErrUpstreamError, "provider exploded").WithRetryable(true)
}

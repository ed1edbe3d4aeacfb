package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	events := []StreamEvent{
		NewWorkflowStartEvent("wf-1", "build a report"),
		NewPlanEvent("wf-1", WorkflowPlan{Goal: "build a report", Version: 1, Steps: []PlanStep{{ID: "step-1", Description: "gather data"}}}, false, ""),
		NewStepStartEvent("wf-1", "step-1", 0, "gather data"),
		NewToolCallEvent("wf-1", "step-1", ToolCall{ID: "c1", Name: "search", Arguments: json.RawMessage(`{"q":"x"}`)}),
		NewToolResultEvent("wf-1", "step-1", ToolResult{CallID: "c1", Name: "search", Success: true, Content: json.RawMessage(`{"hits":3}`)}),
		NewStepEndEvent("wf-1", "step-1", 0, StepSuccess, "found it", 42),
		NewReflectionEvent("wf-1", "step-1", StepReflection{Assessment: AssessSuccess, NextAction: ActionContinue}, false),
		NewMessageEvent("wf-1", RoleAssistant, "working on it"),
		NewLogEvent("wf-1", "warn", "budget nearly exhausted"),
		NewErrorEvent("wf-1", ErrStepTimeout, "step timeout after 500ms", true),
		NewCancelledEvent("wf-1"),
		NewWorkflowEndEvent("wf-1", WorkflowDone, "all good", "", 1234),
	}

	for _, ev := range events {
		t.Run(string(ev.Kind()), func(t *testing.T) {
			data, err := EncodeStreamEvent(ev)
			require.NoError(t, err)

			decoded, err := DecodeStreamEvent(data)
			require.NoError(t, err)
			assert.Equal(t, ev.Kind(), decoded.Kind())
			assert.IsType(t, ev, decoded)
		})
	}
}

func TestDecodePreservesPayloadFields(t *testing.T) {
	src := NewWorkflowEndEvent("wf-9", WorkflowTimeout, "", "workflow timeout after 1000ms", 1000)
	data, err := EncodeStreamEvent(src)
	require.NoError(t, err)

	decoded, err := DecodeStreamEvent(data)
	require.NoError(t, err)

	end, ok := decoded.(*WorkflowEndEvent)
	require.True(t, ok)
	assert.Equal(t, WorkflowTimeout, end.Status)
	assert.Equal(t, "workflow timeout after 1000ms", end.ErrorMessage)
	assert.Equal(t, int64(1000), end.DurationMs)
	assert.Equal(t, "wf-9", end.WorkflowID)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := DecodeStreamEvent([]byte(`{"type":"telepathy","payload":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeStreamEvent([]byte(`not json`))
	assert.Error(t, err)
}

package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind discriminates workflow stream events.
type EventKind string

const (
	EventWorkflowStart EventKind = "workflow_start"
	EventPlan          EventKind = "plan"
	EventStepStart     EventKind = "step_start"
	EventToolCall      EventKind = "tool_call"
	EventToolResult    EventKind = "tool_result"
	EventStepEnd       EventKind = "step_end"
	EventReflection    EventKind = "reflection"
	EventMessage       EventKind = "message"
	EventLog           EventKind = "log"
	EventError         EventKind = "error"
	EventCancelled     EventKind = "cancelled"
	EventWorkflowEnd   EventKind = "workflow_end"
)

// StreamEvent is the closed union of workflow lifecycle events. One concrete
// type exists per EventKind; consumers switch exhaustively on the concrete
// type or on Kind(). The union is sealed so the engine's event vocabulary
// cannot grow outside this package.
type StreamEvent interface {
	Kind() EventKind
	At() time.Time
	sealed()
}

type baseEvent struct {
	WorkflowID string    `json:"workflow_id"`
	Time       time.Time `json:"at"`
}

func (b baseEvent) At() time.Time { return b.Time }
func (baseEvent) sealed()         {}

func newBase(workflowID string) baseEvent {
	return baseEvent{WorkflowID: workflowID, Time: time.Now()}
}

// WorkflowStartEvent marks entry into the run.
type WorkflowStartEvent struct {
	baseEvent
	Goal string `json:"goal"`
}

func (WorkflowStartEvent) Kind() EventKind { return EventWorkflowStart }

// PlanEvent carries the initial plan or an accepted adjustment.
type PlanEvent struct {
	baseEvent
	Plan         WorkflowPlan `json:"plan"`
	IsAdjustment bool         `json:"is_adjustment"`
	Reason       string       `json:"reason,omitempty"`
}

func (PlanEvent) Kind() EventKind { return EventPlan }

// StepStartEvent marks the start of one plan step execution.
type StepStartEvent struct {
	baseEvent
	PlanStepID     string `json:"plan_step_id"`
	ExecutionIndex int    `json:"execution_index"`
	Description    string `json:"description"`
}

func (StepStartEvent) Kind() EventKind { return EventStepStart }

// ToolCallStreamEvent reports a tool invocation issued during a step.
type ToolCallStreamEvent struct {
	baseEvent
	PlanStepID string   `json:"plan_step_id"`
	Call       ToolCall `json:"call"`
}

func (ToolCallStreamEvent) Kind() EventKind { return EventToolCall }

// ToolResultStreamEvent reports the result matching an earlier tool call.
type ToolResultStreamEvent struct {
	baseEvent
	PlanStepID string     `json:"plan_step_id"`
	Result     ToolResult `json:"result"`
}

func (ToolResultStreamEvent) Kind() EventKind { return EventToolResult }

// StepEndEvent marks the terminal status of one plan step execution.
type StepEndEvent struct {
	baseEvent
	PlanStepID     string     `json:"plan_step_id"`
	ExecutionIndex int        `json:"execution_index"`
	Status         StepStatus `json:"status"`
	Output         string     `json:"output,omitempty"`
	DurationMs     int64      `json:"duration_ms"`
}

func (StepEndEvent) Kind() EventKind { return EventStepEnd }

// ReflectionEvent carries the reflector's verdict on a completed step.
// Downgraded is set when an adjust_plan verdict was converted to continue
// because the replan budget was exhausted.
type ReflectionEvent struct {
	baseEvent
	PlanStepID string         `json:"plan_step_id"`
	Reflection StepReflection `json:"reflection"`
	Downgraded bool           `json:"downgraded,omitempty"`
}

func (ReflectionEvent) Kind() EventKind { return EventReflection }

// MessageEvent surfaces assistant text produced during the run.
type MessageEvent struct {
	baseEvent
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func (MessageEvent) Kind() EventKind { return EventMessage }

// LogEvent surfaces engine-internal notices worth showing to the caller.
type LogEvent struct {
	baseEvent
	Level string `json:"level"`
	Text  string `json:"text"`
}

func (LogEvent) Kind() EventKind { return EventLog }

// ErrorStreamEvent reports a failure. Recoverable indicates the engine will
// attempt to continue the run.
type ErrorStreamEvent struct {
	baseEvent
	Code        ErrorCode `json:"code,omitempty"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

func (ErrorStreamEvent) Kind() EventKind { return EventError }

// CancelledEvent acknowledges a cooperative cancellation request.
type CancelledEvent struct {
	baseEvent
}

func (CancelledEvent) Kind() EventKind { return EventCancelled }

// WorkflowEndEvent is always the final event of a run.
type WorkflowEndEvent struct {
	baseEvent
	Status       WorkflowStatus `json:"status"`
	FinalAnswer  string         `json:"final_answer,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
}

func (WorkflowEndEvent) Kind() EventKind { return EventWorkflowEnd }

// Constructors — one per event kind, the only way to build events outside
// this package.

func NewWorkflowStartEvent(workflowID, goal string) *WorkflowStartEvent {
	return &WorkflowStartEvent{baseEvent: newBase(workflowID), Goal: goal}
}

func NewPlanEvent(workflowID string, plan WorkflowPlan, isAdjustment bool, reason string) *PlanEvent {
	return &PlanEvent{baseEvent: newBase(workflowID), Plan: plan, IsAdjustment: isAdjustment, Reason: reason}
}

func NewStepStartEvent(workflowID, planStepID string, executionIndex int, description string) *StepStartEvent {
	return &StepStartEvent{baseEvent: newBase(workflowID), PlanStepID: planStepID, ExecutionIndex: executionIndex, Description: description}
}

func NewToolCallEvent(workflowID, planStepID string, call ToolCall) *ToolCallStreamEvent {
	return &ToolCallStreamEvent{baseEvent: newBase(workflowID), PlanStepID: planStepID, Call: call}
}

func NewToolResultEvent(workflowID, planStepID string, result ToolResult) *ToolResultStreamEvent {
	return &ToolResultStreamEvent{baseEvent: newBase(workflowID), PlanStepID: planStepID, Result: result}
}

func NewStepEndEvent(workflowID, planStepID string, executionIndex int, status StepStatus, output string, durationMs int64) *StepEndEvent {
	return &StepEndEvent{baseEvent: newBase(workflowID), PlanStepID: planStepID, ExecutionIndex: executionIndex, Status: status, Output: output, DurationMs: durationMs}
}

func NewReflectionEvent(workflowID, planStepID string, reflection StepReflection, downgraded bool) *ReflectionEvent {
	return &ReflectionEvent{baseEvent: newBase(workflowID), PlanStepID: planStepID, Reflection: reflection, Downgraded: downgraded}
}

func NewMessageEvent(workflowID string, role Role, content string) *MessageEvent {
	return &MessageEvent{baseEvent: newBase(workflowID), Role: role, Content: content}
}

func NewLogEvent(workflowID, level, text string) *LogEvent {
	return &LogEvent{baseEvent: newBase(workflowID), Level: level, Text: text}
}

func NewErrorEvent(workflowID string, code ErrorCode, message string, recoverable bool) *ErrorStreamEvent {
	return &ErrorStreamEvent{baseEvent: newBase(workflowID), Code: code, Message: message, Recoverable: recoverable}
}

func NewCancelledEvent(workflowID string) *CancelledEvent {
	return &CancelledEvent{baseEvent: newBase(workflowID)}
}

func NewWorkflowEndEvent(workflowID string, status WorkflowStatus, finalAnswer, errorMessage string, durationMs int64) *WorkflowEndEvent {
	return &WorkflowEndEvent{baseEvent: newBase(workflowID), Status: status, FinalAnswer: finalAnswer, ErrorMessage: errorMessage, DurationMs: durationMs}
}

// eventEnvelope is the wire form of a stream event.
type eventEnvelope struct {
	Type    EventKind       `json:"type"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeStreamEvent marshals an event into its tagged wire envelope.
func EncodeStreamEvent(ev StreamEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Kind(), err)
	}
	return json.Marshal(eventEnvelope{Type: ev.Kind(), At: ev.At(), Payload: payload})
}

// DecodeStreamEvent unmarshals a tagged wire envelope back into its concrete
// event type. Unknown kinds are rejected; the union stays closed on the
// consumer side as well.
func DecodeStreamEvent(data []byte) (StreamEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	var ev StreamEvent
	switch env.Type {
	case EventWorkflowStart:
		ev = &WorkflowStartEvent{}
	case EventPlan:
		ev = &PlanEvent{}
	case EventStepStart:
		ev = &StepStartEvent{}
	case EventToolCall:
		ev = &ToolCallStreamEvent{}
	case EventToolResult:
		ev = &ToolResultStreamEvent{}
	case EventStepEnd:
		ev = &StepEndEvent{}
	case EventReflection:
		ev = &ReflectionEvent{}
	case EventMessage:
		ev = &MessageEvent{}
	case EventLog:
		ev = &LogEvent{}
	case EventError:
		ev = &ErrorStreamEvent{}
	case EventCancelled:
		ev = &CancelledEvent{}
	case EventWorkflowEnd:
		ev = &WorkflowEndEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return ev, nil
}

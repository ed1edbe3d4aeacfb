package types

import "time"

// WorkflowStatus is the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowIdle       WorkflowStatus = "idle"
	WorkflowPlanning   WorkflowStatus = "planning"
	WorkflowExecuting  WorkflowStatus = "executing"
	WorkflowReflecting WorkflowStatus = "reflecting"
	WorkflowDone       WorkflowStatus = "done"
	WorkflowCancelled  WorkflowStatus = "cancelled"
	WorkflowError      WorkflowStatus = "error"
	WorkflowTimeout    WorkflowStatus = "timeout"
)

// Terminal reports whether no further transitions occur from this status.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowDone, WorkflowCancelled, WorkflowError, WorkflowTimeout:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single executed step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// Terminal reports whether the step has finished.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSuccess, StepFailed, StepSkipped:
		return true
	}
	return false
}

// StepType distinguishes plain steps from control-flow steps.
type StepType string

const (
	StepTypePlain     StepType = ""
	StepTypeCondition StepType = "condition"
	StepTypeLoop      StepType = "loop"
)

// ConditionMode selects how a condition step is evaluated.
type ConditionMode string

const (
	// ConditionLLM asks the provider for a yes/no verdict.
	ConditionLLM ConditionMode = "llm"
	// ConditionExpression evaluates a boolean expression over prior step outcomes.
	ConditionExpression ConditionMode = "expression"
)

// ConditionConfig configures a condition step.
type ConditionConfig struct {
	Mode       ConditionMode `json:"mode"`
	Prompt     string        `json:"prompt,omitempty"`
	Expression string        `json:"expression,omitempty"`
}

// LoopMode selects how a loop step terminates.
type LoopMode string

const (
	// LoopCount repeats a fixed number of iterations.
	LoopCount LoopMode = "count"
	// LoopUntil repeats until the condition prompt is judged satisfied.
	LoopUntil LoopMode = "until"
)

// LoopConfig configures a loop step. MaxIterations is always a hard bound.
type LoopConfig struct {
	Mode          LoopMode `json:"mode"`
	MaxIterations int      `json:"max_iterations"`
	Condition     string   `json:"condition,omitempty"`
	BodySteps     []string `json:"body_steps,omitempty"`
}

// PlanStep is a planned unit of work inside a WorkflowPlan.
type PlanStep struct {
	ID              string           `json:"id"`
	Description     string           `json:"description"`
	ExpectedTools   []string         `json:"expected_tools,omitempty"`
	DependsOn       []string         `json:"depends_on,omitempty"`
	SuccessCriteria string           `json:"success_criteria,omitempty"`
	Type            StepType         `json:"step_type,omitempty"`
	Condition       *ConditionConfig `json:"condition_config,omitempty"`
	Loop            *LoopConfig      `json:"loop_config,omitempty"`
}

// WorkflowPlan is an ordered, dependency-annotated set of steps.
// Version starts at 1 and is bumped on every accepted replan.
type WorkflowPlan struct {
	Goal      string     `json:"goal"`
	Steps     []PlanStep `json:"steps"`
	MaxSteps  int        `json:"max_steps,omitempty"` // plan's own size hint only
	CreatedAt time.Time  `json:"created_at"`
	Version   int        `json:"version"`
}

// Step returns the plan step with the given id.
func (p *WorkflowPlan) Step(id string) (*PlanStep, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// WorkflowStep is the execution record of one executed plan step. Records are
// append-only across replans; the count may exceed the plan's step count.
type WorkflowStep struct {
	PlanStepID     string       `json:"plan_step_id"`
	ExecutionIndex int          `json:"execution_index"`
	Description    string       `json:"description"`
	Status         StepStatus   `json:"status"`
	ToolCalls      []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults    []ToolResult `json:"tool_results,omitempty"`
	Output         string       `json:"output,omitempty"`
	Error          string       `json:"error,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	CompletedAt    time.Time    `json:"completed_at,omitempty"`
	DurationMs     int64        `json:"duration_ms,omitempty"`
}

// Assessment is the reflector's quality verdict on a step outcome.
type Assessment string

const (
	AssessSuccess Assessment = "success"
	AssessPartial Assessment = "partial"
	AssessFailure Assessment = "failure"
)

// NextAction is the reflector's decision on how the run proceeds.
type NextAction string

const (
	ActionContinue   NextAction = "continue"
	ActionAdjustPlan NextAction = "adjust_plan"
	ActionComplete   NextAction = "complete"
	ActionAbort      NextAction = "abort"
)

// PlanAdjustment carries replacement steps requested by a reflection.
type PlanAdjustment struct {
	Reason   string     `json:"reason"`
	NewSteps []PlanStep `json:"new_steps"`
}

// StepReflection is the reflector's assessment of a completed step.
type StepReflection struct {
	Assessment  Assessment      `json:"assessment"`
	NextAction  NextAction      `json:"next_action"`
	Comment     string          `json:"comment,omitempty"`
	FinalAnswer string          `json:"final_answer,omitempty"`
	Adjustment  *PlanAdjustment `json:"plan_adjustment,omitempty"`
}

// WorkflowConfig carries the run budgets and feature switches.
// MaxSteps is the hard execution cap, independent of the plan's own size.
type WorkflowConfig struct {
	Model                   string   `json:"model,omitempty" yaml:"model"`
	Provider                string   `json:"provider,omitempty" yaml:"provider"`
	SystemPrompt            string   `json:"system_prompt,omitempty" yaml:"system_prompt"`
	EnabledTools            []string `json:"enabled_tools,omitempty" yaml:"enabled_tools"`
	MaxSteps                int      `json:"max_steps" yaml:"max_steps"`
	MaxRePlans              int      `json:"max_replans" yaml:"max_replans"`
	TimeoutMs               int64    `json:"timeout_ms" yaml:"timeout_ms"`
	StepTimeoutMs           int64    `json:"step_timeout_ms" yaml:"step_timeout_ms"`
	EnableReflection        bool     `json:"enable_reflection" yaml:"enable_reflection"`
	EnablePlanning          bool     `json:"enable_planning" yaml:"enable_planning"`
	EnableParallelExecution bool     `json:"enable_parallel_execution" yaml:"enable_parallel_execution"`
}

// WorkflowState is the live/finished aggregate of one workflow run.
// The engine is the sole mutator; consumers observe it through snapshots
// or reconstruct it from the event stream.
type WorkflowState struct {
	ID               string         `json:"id"`
	ConversationID   string         `json:"conversation_id,omitempty"`
	Status           WorkflowStatus `json:"status"`
	UserMessage      string         `json:"user_message"`
	Plan             *WorkflowPlan  `json:"plan,omitempty"`
	Steps            []WorkflowStep `json:"steps"`
	CurrentStepIndex int            `json:"current_step_index"`
	ReplanCount      int            `json:"replan_count"`
	FinalAnswer      string         `json:"final_answer,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	Config           WorkflowConfig `json:"config"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at,omitempty"`
	DurationMs       int64          `json:"duration_ms,omitempty"`
}

// Clone returns a deep copy of the state, safe to hand out mid-run.
func (s *WorkflowState) Clone() *WorkflowState {
	cp := *s
	if s.Plan != nil {
		plan := *s.Plan
		plan.Steps = clonePlanSteps(s.Plan.Steps)
		cp.Plan = &plan
	}
	cp.Steps = make([]WorkflowStep, len(s.Steps))
	for i, st := range s.Steps {
		cp.Steps[i] = st
		cp.Steps[i].ToolCalls = append([]ToolCall(nil), st.ToolCalls...)
		cp.Steps[i].ToolResults = append([]ToolResult(nil), st.ToolResults...)
	}
	cp.Config.EnabledTools = append([]string(nil), s.Config.EnabledTools...)
	return &cp
}

func clonePlanSteps(steps []PlanStep) []PlanStep {
	out := make([]PlanStep, len(steps))
	for i, st := range steps {
		out[i] = st
		out[i].ExpectedTools = append([]string(nil), st.ExpectedTools...)
		out[i].DependsOn = append([]string(nil), st.DependsOn...)
		if st.Condition != nil {
			cond := *st.Condition
			out[i].Condition = &cond
		}
		if st.Loop != nil {
			loop := *st.Loop
			loop.BodySteps = append([]string(nil), loop.BodySteps...)
			out[i].Loop = &loop
		}
	}
	return out
}

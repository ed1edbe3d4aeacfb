package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/flowengine/llm"
	"github.com/BaSui01/flowengine/tools"
	"github.com/BaSui01/flowengine/types"
)

// DefaultMaxSteps caps step executions when the config does not set a cap.
const DefaultMaxSteps = 20

// eventBuffer is the capacity of the channel returned by Run.
const eventBuffer = 64

// Store persists workflow state snapshots. Implementations live in the store
// package; the engine only needs Save at run boundaries.
type Store interface {
	Save(ctx context.Context, state *types.WorkflowState) error
}

// Observer receives execution signals for metrics collection.
type Observer interface {
	RunFinished(status types.WorkflowStatus, duration time.Duration)
	StepFinished(status types.StepStatus, duration time.Duration)
	ReplanAccepted()
}

// Engine drives one workflow run through the
// planning -> executing -> reflecting loop until a terminal status.
//
// 每个 Engine 实例只服务一次运行：重复调用 Run 返回同一个事件通道，
// Cancel 和 GetState 可以从任意 goroutine 并发调用。
type Engine struct {
	provider  llm.Provider
	registry  tools.Registry
	planner   *Planner
	reflector *Reflector
	stepExec  *StepExecutor

	store    Store
	observer Observer
	tracer   trace.Tracer
	logger   *zap.Logger

	plan *types.WorkflowPlan // optional precompiled plan

	mu    sync.RWMutex
	state *types.WorkflowState

	cancelOnce sync.Once
	cancelCh   chan struct{}
	runOnce    sync.Once
	events     chan types.StreamEvent
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithStore persists state snapshots at run boundaries.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithObserver wires a metrics sink.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithTracer enables span creation around the run and each step.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithPlan supplies a precompiled plan (typically from Compile), skipping the
// planner entirely.
func WithPlan(p *types.WorkflowPlan) Option {
	return func(e *Engine) { e.plan = p }
}

// WithConversationID attaches the run to a conversation.
func WithConversationID(id string) Option {
	return func(e *Engine) {
		e.state.ConversationID = id
	}
}

// NewEngine creates an engine for a single run of userMessage under cfg.
func NewEngine(provider llm.Provider, registry tools.Registry, cfg types.WorkflowConfig, userMessage string, opts ...Option) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxRePlans < 0 {
		cfg.MaxRePlans = 0
	}
	if cfg.Model == "" {
		cfg.Model = llm.DefaultModelFor(cfg.Provider)
	}

	e := &Engine{
		provider: provider,
		registry: registry,
		logger:   zap.NewNop(),
		cancelCh: make(chan struct{}),
		events:   make(chan types.StreamEvent, eventBuffer),
		state: &types.WorkflowState{
			ID:          uuid.NewString(),
			Status:      types.WorkflowIdle,
			UserMessage: userMessage,
			Config:      cfg,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(
		zap.String("component", "workflow_engine"),
		zap.String("workflow_id", e.state.ID))

	exec := tools.NewExecutor(registry, e.logger)
	exec.Concurrent = cfg.EnableParallelExecution
	e.planner = NewPlanner(provider, cfg.Model, e.logger)
	e.reflector = NewReflector(provider, cfg.Model, e.logger)
	e.stepExec = NewStepExecutor(provider, registry, exec, e.logger)
	return e
}

// ID returns the workflow run id.
func (e *Engine) ID() string {
	return e.state.ID
}

// GetState returns a deep copy of the current state, safe to read while the
// run is in flight.
func (e *Engine) GetState() *types.WorkflowState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Clone()
}

// Cancel requests cooperative cancellation. Safe to call from any goroutine
// and idempotent; calls after a terminal status are no-ops.
func (e *Engine) Cancel() {
	e.cancelOnce.Do(func() { close(e.cancelCh) })
}

// Run starts the workflow and returns the event stream. The channel is
// closed after the final workflow_end event. Only the first call starts the
// run; every call returns the same channel.
func (e *Engine) Run(ctx context.Context) <-chan types.StreamEvent {
	e.runOnce.Do(func() {
		go e.run(ctx, e.events)
	})
	return e.events
}

func (e *Engine) run(parent context.Context, events chan<- types.StreamEvent) {
	defer close(events)

	runCtx := parent
	var cancel context.CancelFunc
	if e.state.Config.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(parent, time.Duration(e.state.Config.TimeoutMs)*time.Millisecond)
	} else {
		runCtx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	// Propagate Cancel() into the run context so blocking provider and tool
	// calls unwind promptly.
	go func() {
		select {
		case <-e.cancelCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	if e.tracer != nil {
		var span trace.Span
		runCtx, span = e.tracer.Start(runCtx, "workflow.run")
		defer span.End()
	}

	emit := func(ev types.StreamEvent) {
		select {
		case events <- ev:
		case <-runCtx.Done():
			// Consumer may have stopped reading; deliver if the buffer
			// still has room, drop otherwise.
			select {
			case events <- ev:
			default:
			}
		}
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("workflow panicked", zap.Any("panic", r))
			msg := fmt.Sprintf("internal error: %v", r)
			emit(types.NewErrorEvent(e.state.ID, types.ErrInternalError, msg, false))
			e.finalize(types.WorkflowError, "", msg, emit)
		}
	}()

	e.mu.Lock()
	e.state.StartedAt = time.Now()
	cfg := e.state.Config
	goal := e.state.UserMessage
	id := e.state.ID
	e.mu.Unlock()

	emit(types.NewWorkflowStartEvent(id, goal))
	e.logger.Info("workflow started",
		zap.String("goal", goal),
		zap.Int("max_steps", cfg.MaxSteps),
		zap.Bool("planning", cfg.EnablePlanning),
		zap.Bool("reflection", cfg.EnableReflection))

	plan := e.buildPlan(runCtx, cfg, goal, id, emit)
	if st, stop := e.checkInterrupt(runCtx); stop {
		e.finalize(st, "", interruptMessage(st, cfg), emit)
		return
	}
	emit(types.NewPlanEvent(id, *plan, false, ""))

	e.mu.Lock()
	e.state.Plan = plan
	e.state.Status = types.WorkflowExecuting
	e.mu.Unlock()

	e.executeLoop(runCtx, cfg, goal, id, emit)
}

// buildPlan resolves the run's plan: precompiled, implicit, or planner-made.
func (e *Engine) buildPlan(ctx context.Context, cfg types.WorkflowConfig, goal, id string, emit func(types.StreamEvent)) *types.WorkflowPlan {
	if e.plan != nil {
		plan := e.plan
		if plan.CreatedAt.IsZero() {
			plan.CreatedAt = time.Now()
		}
		if plan.Version == 0 {
			plan.Version = 1
		}
		return plan
	}

	if !cfg.EnablePlanning {
		// Single implicit step: the raw user message, no planner call.
		return &types.WorkflowPlan{
			Goal: goal,
			Steps: []types.PlanStep{{
				ID:          "step-1",
				Description: goal,
			}},
			MaxSteps:  1,
			CreatedAt: time.Now(),
			Version:   1,
		}
	}

	e.mu.Lock()
	e.state.Status = types.WorkflowPlanning
	e.mu.Unlock()

	available := e.availableSchemas(cfg)
	return e.planner.Plan(ctx, goal, available)
}

// executeLoop runs plan steps until the plan is exhausted, a budget is hit,
// the reflector ends the run, or the run is interrupted.
func (e *Engine) executeLoop(runCtx context.Context, cfg types.WorkflowConfig, goal, id string, emit func(types.StreamEvent)) {
	outcomes := map[string]types.StepStatus{}
	var summaries []string
	stepStarts := 0
	lastOutput := ""

	for {
		if st, stop := e.checkInterrupt(runCtx); stop {
			e.finalize(st, "", interruptMessage(st, cfg), emit)
			return
		}

		plan := e.currentPlan()
		ready := readySteps(plan, outcomes)
		if len(ready) == 0 {
			e.finalize(types.WorkflowDone, lastOutput, "", emit)
			return
		}
		if stepStarts >= cfg.MaxSteps {
			emit(types.NewLogEvent(id, "warn",
				fmt.Sprintf("step cap of %d reached with %d steps still pending", cfg.MaxSteps, len(ready))))
			e.finalize(types.WorkflowDone, lastOutput, "", emit)
			return
		}

		batch := ready
		if !cfg.EnableParallelExecution {
			batch = ready[:1]
		}
		if room := cfg.MaxSteps - stepStarts; len(batch) > room {
			batch = batch[:room]
		}

		sc := &stepContext{
			workflowID:     id,
			goal:           goal,
			model:          cfg.Model,
			systemPrompt:   cfg.SystemPrompt,
			config:         cfg,
			priorSummaries: summaries,
			outcomes:       outcomes,
		}

		records := make([]types.WorkflowStep, len(batch))
		baseIndex := len(e.currentSteps())
		for i, st := range batch {
			stepStarts++
			emit(types.NewStepStartEvent(id, st.ID, baseIndex+i, st.Description))
			e.appendStep(types.WorkflowStep{
				PlanStepID:     st.ID,
				ExecutionIndex: baseIndex + i,
				Description:    st.Description,
				Status:         types.StepRunning,
				StartedAt:      time.Now(),
			})
		}

		if len(batch) == 1 {
			records[0] = e.runStep(runCtx, batch[0], sc, baseIndex, emit)
		} else {
			g, gctx := errgroup.WithContext(runCtx)
			for i, st := range batch {
				g.Go(func() error {
					records[i] = e.runStep(gctx, st, sc, baseIndex+i, emit)
					return nil
				})
			}
			_ = g.Wait() // step failures are recorded, not returned
		}

		for i, st := range batch {
			rec := records[i]
			e.replaceStep(rec.ExecutionIndex, rec)
			outcomes[st.ID] = rec.Status
			summaries = append(summaries, summarizeStep(&rec))
			if rec.Status == types.StepSuccess && rec.Output != "" {
				lastOutput = rec.Output
			}
			emit(types.NewStepEndEvent(id, st.ID, rec.ExecutionIndex, rec.Status, rec.Output, rec.DurationMs))
			if e.observer != nil {
				e.observer.StepFinished(rec.Status, time.Duration(rec.DurationMs)*time.Millisecond)
			}

			// A false condition skips everything downstream of it.
			if st.Type == types.StepTypeCondition && rec.Status == types.StepSuccess && rec.Output == "false" {
				e.skipDependents(st.ID, outcomes, &stepStarts, cfg.MaxSteps, emit)
			}
		}

		if st, stop := e.checkInterrupt(runCtx); stop {
			e.finalize(st, "", interruptMessage(st, cfg), emit)
			return
		}

		if !cfg.EnableReflection {
			continue
		}

		e.setStatus(types.WorkflowReflecting)
		done := false
		for i := range batch {
			rec := records[i]
			if e.reflectOnStep(runCtx, cfg, goal, id, &rec, outcomes, &summaries, &lastOutput, emit) {
				done = true
				break
			}
		}
		if done {
			return
		}
		e.setStatus(types.WorkflowExecuting)
	}
}

// runStep executes one step, with an optional span around it.
func (e *Engine) runStep(ctx context.Context, st *types.PlanStep, sc *stepContext, executionIndex int, emit func(types.StreamEvent)) types.WorkflowStep {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "workflow.step")
		defer span.End()
	}
	return e.stepExec.ExecuteStep(ctx, st, sc, executionIndex, emit)
}

// reflectOnStep runs one reflection round. It returns true when the run
// reached a terminal status.
func (e *Engine) reflectOnStep(runCtx context.Context, cfg types.WorkflowConfig, goal, id string, rec *types.WorkflowStep, outcomes map[string]types.StepStatus, summaries *[]string, lastOutput *string, emit func(types.StreamEvent)) bool {
	plan := e.currentPlan()
	var remaining []string
	for _, st := range plan.Steps {
		if !outcomes[st.ID].Terminal() {
			remaining = append(remaining, st.ID)
		}
	}

	refl, _ := e.reflector.Reflect(runCtx, goal, plan, rec, remaining)

	switch refl.NextAction {
	case types.ActionComplete:
		emit(types.NewReflectionEvent(id, rec.PlanStepID, refl, false))
		answer := refl.FinalAnswer
		if answer == "" {
			answer = *lastOutput
		}
		e.finalize(types.WorkflowDone, answer, "", emit)
		return true

	case types.ActionAbort:
		emit(types.NewReflectionEvent(id, rec.PlanStepID, refl, false))
		msg := refl.Comment
		if msg == "" {
			msg = "run aborted by reflection"
		}
		emit(types.NewErrorEvent(id, "", msg, false))
		e.finalize(types.WorkflowError, "", msg, emit)
		return true

	case types.ActionAdjustPlan:
		e.mu.RLock()
		replans := e.state.ReplanCount
		e.mu.RUnlock()
		if replans >= cfg.MaxRePlans {
			// Budget exhausted: demote to continue, visibly.
			refl.NextAction = types.ActionContinue
			emit(types.NewReflectionEvent(id, rec.PlanStepID, refl, true))
			emit(types.NewLogEvent(id, "warn",
				fmt.Sprintf("plan adjustment rejected: replan budget of %d exhausted", cfg.MaxRePlans)))
			e.logger.Warn("replan budget exhausted", zap.Int("max_replans", cfg.MaxRePlans))
			return false
		}
		emit(types.NewReflectionEvent(id, rec.PlanStepID, refl, false))
		newPlan := e.applyAdjustment(refl.Adjustment, outcomes)
		emit(types.NewPlanEvent(id, *newPlan, true, refl.Adjustment.Reason))
		if e.observer != nil {
			e.observer.ReplanAccepted()
		}
		e.logger.Info("plan adjusted",
			zap.Int("version", newPlan.Version),
			zap.String("reason", refl.Adjustment.Reason))
		return false

	default: // continue
		emit(types.NewReflectionEvent(id, rec.PlanStepID, refl, false))
		return false
	}
}

// applyAdjustment replaces the plan's unexecuted steps with the adjustment's
// new steps and bumps the plan version.
func (e *Engine) applyAdjustment(adj *types.PlanAdjustment, outcomes map[string]types.StepStatus) *types.WorkflowPlan {
	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.state.Plan
	next := &types.WorkflowPlan{
		Goal:      old.Goal,
		MaxSteps:  old.MaxSteps,
		CreatedAt: old.CreatedAt,
		Version:   old.Version + 1,
	}
	ids := map[string]bool{}
	for _, st := range old.Steps {
		if outcomes[st.ID].Terminal() {
			next.Steps = append(next.Steps, st)
			ids[st.ID] = true
		}
	}
	for i, st := range adj.NewSteps {
		if st.ID == "" || ids[st.ID] {
			st.ID = fmt.Sprintf("adj-%d-%d", next.Version, i+1)
		}
		ids[st.ID] = true
		next.Steps = append(next.Steps, st)
	}
	// Deps must point inside the new plan.
	for i := range next.Steps {
		var deps []string
		for _, d := range next.Steps[i].DependsOn {
			if ids[d] {
				deps = append(deps, d)
			}
		}
		next.Steps[i].DependsOn = deps
	}
	next.MaxSteps = len(next.Steps)

	e.state.Plan = next
	e.state.ReplanCount++
	return next
}

// skipDependents transitively marks unexecuted dependents of a false
// condition as skipped. Skipped steps get records and events and count
// against the step cap like any other execution.
func (e *Engine) skipDependents(condID string, outcomes map[string]types.StepStatus, stepStarts *int, maxSteps int, emit func(types.StreamEvent)) {
	plan := e.currentPlan()
	skip := map[string]bool{condID: true}
	changed := true
	for changed {
		changed = false
		for _, st := range plan.Steps {
			if skip[st.ID] || outcomes[st.ID].Terminal() {
				continue
			}
			for _, d := range st.DependsOn {
				if skip[d] {
					skip[st.ID] = true
					changed = true
					break
				}
			}
		}
	}
	delete(skip, condID)

	e.mu.RLock()
	id := e.state.ID
	e.mu.RUnlock()

	for _, st := range plan.Steps {
		if !skip[st.ID] || *stepStarts >= maxSteps {
			continue
		}
		idx := len(e.currentSteps())
		*stepStarts++
		now := time.Now()
		rec := types.WorkflowStep{
			PlanStepID:     st.ID,
			ExecutionIndex: idx,
			Description:    st.Description,
			Status:         types.StepSkipped,
			StartedAt:      now,
			CompletedAt:    now,
		}
		outcomes[st.ID] = types.StepSkipped
		emit(types.NewStepStartEvent(id, st.ID, idx, st.Description))
		e.appendStep(rec)
		emit(types.NewStepEndEvent(id, st.ID, idx, types.StepSkipped, "", 0))
	}
}

// finalize moves the run to a terminal status, persists it, and emits the
// closing events. It is a no-op if the state is already terminal.
func (e *Engine) finalize(status types.WorkflowStatus, finalAnswer, errorMessage string, emit func(types.StreamEvent)) {
	e.mu.Lock()
	if e.state.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	e.state.Status = status
	e.state.FinalAnswer = finalAnswer
	e.state.ErrorMessage = errorMessage
	e.state.CompletedAt = time.Now()
	e.state.DurationMs = e.state.CompletedAt.Sub(e.state.StartedAt).Milliseconds()
	snapshot := e.state.Clone()
	e.mu.Unlock()

	if e.observer != nil {
		e.observer.RunFinished(status, time.Duration(snapshot.DurationMs)*time.Millisecond)
	}
	if e.store != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.store.Save(saveCtx, snapshot); err != nil {
			e.logger.Warn("state persistence failed", zap.Error(err))
		}
		cancel()
	}

	if status == types.WorkflowCancelled {
		emit(types.NewCancelledEvent(snapshot.ID))
	}
	emit(types.NewWorkflowEndEvent(snapshot.ID, status, finalAnswer, errorMessage, snapshot.DurationMs))
	e.logger.Info("workflow finished",
		zap.String("status", string(status)),
		zap.Int64("duration_ms", snapshot.DurationMs),
		zap.Int("steps", len(snapshot.Steps)),
		zap.Int("replans", snapshot.ReplanCount))
}

// checkInterrupt reports whether the run must stop due to cancellation or
// the whole-run deadline.
func (e *Engine) checkInterrupt(runCtx context.Context) (types.WorkflowStatus, bool) {
	select {
	case <-e.cancelCh:
		return types.WorkflowCancelled, true
	default:
	}
	if err := runCtx.Err(); err != nil {
		if err == context.DeadlineExceeded {
			return types.WorkflowTimeout, true
		}
		return types.WorkflowCancelled, true
	}
	return "", false
}

func interruptMessage(status types.WorkflowStatus, cfg types.WorkflowConfig) string {
	if status == types.WorkflowTimeout {
		return fmt.Sprintf("workflow timeout after %dms", cfg.TimeoutMs)
	}
	return "workflow cancelled"
}

// readySteps returns unexecuted plan steps whose dependencies have all
// reached a terminal status, in plan order.
func readySteps(plan *types.WorkflowPlan, outcomes map[string]types.StepStatus) []*types.PlanStep {
	var ready []*types.PlanStep
	for i := range plan.Steps {
		st := &plan.Steps[i]
		if outcomes[st.ID].Terminal() {
			continue
		}
		ok := true
		for _, d := range st.DependsOn {
			if !outcomes[d].Terminal() {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, st)
		}
	}
	return ready
}

func summarizeStep(rec *types.WorkflowStep) string {
	out := rec.Output
	if rec.Status == types.StepFailed {
		out = rec.Error
	}
	const limit = 300
	if len(out) > limit {
		out = out[:limit] + "..."
	}
	return fmt.Sprintf("%s (%s): %s", rec.PlanStepID, rec.Status, strings.TrimSpace(out))
}

// availableSchemas resolves the tool schemas offered to the planner.
func (e *Engine) availableSchemas(cfg types.WorkflowConfig) []types.ToolSchema {
	if e.registry == nil {
		return nil
	}
	all := e.registry.ListEnabled()
	if len(cfg.EnabledTools) == 0 {
		return all
	}
	allow := make(map[string]bool, len(cfg.EnabledTools))
	for _, n := range cfg.EnabledTools {
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

// State accessors used across goroutines.

func (e *Engine) currentPlan() *types.WorkflowPlan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Plan
}

func (e *Engine) currentSteps() []types.WorkflowStep {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Steps
}

func (e *Engine) appendStep(rec types.WorkflowStep) {
	e.mu.Lock()
	e.state.Steps = append(e.state.Steps, rec)
	e.state.CurrentStepIndex = rec.ExecutionIndex
	e.mu.Unlock()
}

func (e *Engine) replaceStep(executionIndex int, rec types.WorkflowStep) {
	e.mu.Lock()
	if executionIndex >= 0 && executionIndex < len(e.state.Steps) {
		e.state.Steps[executionIndex] = rec
	}
	e.mu.Unlock()
}

func (e *Engine) setStatus(s types.WorkflowStatus) {
	e.mu.Lock()
	if !e.state.Status.Terminal() {
		e.state.Status = s
	}
	e.mu.Unlock()
}

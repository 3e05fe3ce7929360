package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/millrace/mill/internal/authctx"
	"github.com/millrace/mill/internal/db"
	"github.com/millrace/mill/internal/dsl"
	"github.com/millrace/mill/internal/errors"
	"github.com/millrace/mill/internal/events"
	"github.com/millrace/mill/internal/executor"
	"github.com/millrace/mill/internal/expr"
)

// Delayed call target methods dispatched by the scheduler.
const (
	methodRunTask              = "run_task"
	methodRefreshTaskState     = "refresh_task_state"
	methodFailTaskIfIncomplete = "fail_task_if_incomplete"
)

// Engine is the public façade over workflow execution. All operations are
// safe for concurrent use; per-workflow mutations serialize on the workflow
// lock.
type Engine struct {
	store *db.Store
	exec  executor.Executor
	pub   events.Publisher
	log   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithExecutor substitutes the action executor.
func WithExecutor(exec executor.Executor) Option {
	return func(e *Engine) { e.exec = exec }
}

// WithPublisher sets the event publisher.
func WithPublisher(pub events.Publisher) Option {
	return func(e *Engine) { e.pub = pub }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New creates an engine. Without an explicit executor a Local one running
// the std.* actions is used; its results are routed back into the engine.
func New(store *db.Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		pub:   events.NewNopPublisher(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.exec == nil {
		e.exec = executor.NewLocal(e.actionCallback)
	}
	return e
}

// Executor returns the engine's action executor for server wiring.
func (e *Engine) Executor() executor.Executor { return e.exec }

// actionCallback adapts executor results to OnActionComplete.
func (e *Engine) actionCallback(ctx context.Context, actionExID string, res executor.Result) {
	if _, err := e.OnActionComplete(ctx, actionExID, res); err != nil {
		e.log.Error("action completion failed",
			"action_execution_id", actionExID, "error", err)
	}
}

// dispatchState accumulates side effects decided under the workflow lock so
// they run after the transaction commits.
type dispatchState struct {
	seen        map[string]bool
	submissions []executor.Request
	subStarts   []subWorkflowStart
	parent      *parentResult
}

type subWorkflowStart struct {
	taskExID  string
	projectID string
	workflow  string
	input     map[string]any
	env       map[string]any
	index     *int
}

type parentResult struct {
	taskExID  string
	output    map[string]any
	state     State
	stateInfo string
	index     *int
}

func newDispatchState() *dispatchState {
	return &dispatchState{seen: make(map[string]bool)}
}

// flush runs the accumulated side effects. Must be called after the workflow
// lock is released.
func (e *Engine) flush(ctx context.Context, d *dispatchState) error {
	for _, req := range d.submissions {
		if err := e.exec.Submit(ctx, req); err != nil {
			return err
		}
	}

	for _, sub := range d.subStarts {
		if err := e.startSubWorkflow(ctx, sub); err != nil {
			// A bad sub-workflow start fails the owning task.
			if ferr := e.failTaskFromOutside(ctx, sub.taskExID, err.Error()); ferr != nil {
				return ferr
			}
		}
	}

	if d.parent != nil {
		return e.onSubWorkflowComplete(ctx, d.parent)
	}

	return nil
}

// StartWorkflow loads a definition, validates input, resolves the
// environment and starts a new workflow execution. It returns after the
// IDLE → RUNNING transition is persisted and the first controller pass has
// been dispatched.
func (e *Engine) StartWorkflow(ctx context.Context, wfName string, input map[string]any, description string, params map[string]any) (*db.WorkflowExecution, error) {
	projectID := authctx.ProjectID(ctx)

	def, err := e.store.GetWorkflowDefinition(ctx, projectID, wfName)
	if err != nil {
		return nil, err
	}

	spec, err := dsl.ParseWorkflowSpec(def.Spec)
	if err != nil {
		return nil, err
	}

	input, err = validateWorkflowInput(spec, input)
	if err != nil {
		return nil, err
	}

	env, err := e.resolveEnvironment(ctx, projectID, params)
	if err != nil {
		return nil, err
	}

	wfEx := &db.WorkflowExecution{
		WorkflowName: spec.Name,
		WorkflowID:   def.ID,
		ProjectID:    projectID,
		Description:  description,
		Spec:         def.Spec,
		State:        string(StateIdle),
		Input:        input,
		Params:       params,
	}

	wfEx.Context, err = initialWorkflowContext(wfEx, spec, env)
	if err != nil {
		return nil, err
	}

	if err := e.store.CreateWorkflowExecution(ctx, wfEx); err != nil {
		return nil, err
	}

	d := newDispatchState()

	err = e.store.WithWorkflowLock(ctx, wfEx.ID, func(ctx context.Context) error {
		if err := e.setWorkflowState(ctx, wfEx, StateRunning, ""); err != nil {
			return err
		}
		return e.continueWorkflowLocked(ctx, wfEx, d)
	})
	if err != nil {
		return nil, err
	}

	if err := e.flush(ctx, d); err != nil {
		return nil, err
	}

	return e.store.GetWorkflowExecution(ctx, wfEx.ID)
}

// StartAction runs a single action outside any workflow. With
// params["save_result"] == false the result is discarded after the run.
func (e *Engine) StartAction(ctx context.Context, actionName string, input map[string]any, description string, params map[string]any) (*db.ActionExecution, error) {
	projectID := authctx.ProjectID(ctx)

	saveResult := true
	if v, ok := params["save_result"].(bool); ok {
		saveResult = v
	}

	actionEx := &db.ActionExecution{
		Name:           actionName,
		ProjectID:      projectID,
		Description:    description,
		State:          string(StateRunning),
		Input:          input,
		RuntimeContext: map[string]any{"save_result": saveResult},
	}

	if err := e.store.CreateActionExecution(ctx, actionEx); err != nil {
		return nil, err
	}

	if err := e.exec.Submit(ctx, executor.Request{
		ActionExID: actionEx.ID,
		Name:       actionName,
		Input:      input,
	}); err != nil {
		return nil, err
	}

	return e.store.GetActionExecution(ctx, actionEx.ID)
}

// OnActionComplete is the idempotent completion sink for action results.
// Calling it twice with the same result leaves the same state.
func (e *Engine) OnActionComplete(ctx context.Context, actionExID string, res executor.Result) (*db.ActionExecution, error) {
	actionEx, err := e.store.GetActionExecution(ctx, actionExID)
	if err != nil {
		return nil, err
	}

	if actionEx.TaskExecutionID == nil {
		return e.completeStandaloneAction(ctx, actionEx, res)
	}

	taskEx, err := e.store.GetTaskExecution(ctx, *actionEx.TaskExecutionID)
	if err != nil {
		return nil, err
	}

	d := newDispatchState()

	err = e.store.WithWorkflowLock(ctx, taskEx.WorkflowExecutionID, func(ctx context.Context) error {
		// Reload under the lock; another delivery may have won.
		actionEx, err = e.store.GetActionExecution(ctx, actionExID)
		if err != nil {
			return err
		}
		if IsTerminal(State(actionEx.State)) {
			return nil
		}

		if err := e.writeActionResult(ctx, actionEx, res, true); err != nil {
			return err
		}

		return e.onTaskActionComplete(ctx, actionEx, d)
	})
	if err != nil {
		return nil, err
	}

	if err := e.flush(ctx, d); err != nil {
		return nil, err
	}

	return e.store.GetActionExecution(ctx, actionExID)
}

// completeStandaloneAction finishes an ad-hoc action execution.
func (e *Engine) completeStandaloneAction(ctx context.Context, actionEx *db.ActionExecution, res executor.Result) (*db.ActionExecution, error) {
	if IsTerminal(State(actionEx.State)) {
		return actionEx, nil
	}

	saveResult := true
	if v, ok := actionEx.RuntimeContext["save_result"].(bool); ok {
		saveResult = v
	}

	if err := e.writeActionResult(ctx, actionEx, res, saveResult); err != nil {
		return nil, err
	}

	return actionEx, nil
}

// writeActionResult persists an action outcome. An oversized result turns
// into an ERROR outcome instead of leaving the action in RUNNING.
func (e *Engine) writeActionResult(ctx context.Context, actionEx *db.ActionExecution, res executor.Result, saveOutput bool) error {
	state := StateSuccess
	if res.IsError() {
		state = StateError
	}

	actionEx.State = string(state)
	actionEx.Accepted = true
	if saveOutput {
		if res.IsError() {
			actionEx.Output = map[string]any{"result": res.Err}
			actionEx.StateInfo = res.Err
		} else {
			actionEx.Output = map[string]any{"result": res.Data}
		}
	}

	err := e.store.UpdateActionExecution(ctx, actionEx)
	if errors.HasCode(err, errors.CodeSizeLimitExceeded) {
		actionEx.Output = nil
		actionEx.State = string(StateError)
		actionEx.StateInfo = "result too large"
		return e.store.UpdateActionExecution(ctx, actionEx)
	}
	if err != nil {
		return err
	}

	e.publishState(events.EventActionState, actionEx.ID, actionEx.Name, "", actionEx.State, actionEx.StateInfo)
	return nil
}

// PauseWorkflow moves a running workflow to PAUSED.
func (e *Engine) PauseWorkflow(ctx context.Context, wfExID string) (*db.WorkflowExecution, error) {
	return e.changeWorkflowState(ctx, wfExID, StatePaused, "", false)
}

// ResumeWorkflow moves a paused workflow back to RUNNING and re-enters the
// controller to pick up tasks that completed while paused.
func (e *Engine) ResumeWorkflow(ctx context.Context, wfExID string) (*db.WorkflowExecution, error) {
	return e.changeWorkflowState(ctx, wfExID, StateRunning, "", true)
}

// StopWorkflow forces a workflow into a terminal state (SUCCESS or ERROR).
// In-flight actions are not interrupted; their results are still recorded
// but produce no further commands.
func (e *Engine) StopWorkflow(ctx context.Context, wfExID string, state State, message string) (*db.WorkflowExecution, error) {
	if !IsTerminal(state) {
		return nil, errors.InputInvalid("stop state must be SUCCESS or ERROR, got %q", state)
	}
	return e.changeWorkflowState(ctx, wfExID, state, message, false)
}

// RollbackWorkflow returns a failed workflow to RUNNING and recomputes
// commands from the persisted graph.
func (e *Engine) RollbackWorkflow(ctx context.Context, wfExID string) (*db.WorkflowExecution, error) {
	wfEx, err := e.store.GetWorkflowExecution(ctx, wfExID)
	if err != nil {
		return nil, err
	}
	if State(wfEx.State) != StateError {
		return nil, errors.InvalidState(
			"only ERROR workflows can be rolled back, current state is %q", wfEx.State)
	}
	return e.changeWorkflowState(ctx, wfExID, StateRunning, "", true)
}

// changeWorkflowState validates and applies a state change under the
// workflow lock, optionally re-entering the controller.
func (e *Engine) changeWorkflowState(ctx context.Context, wfExID string, to State, message string, reenter bool) (*db.WorkflowExecution, error) {
	var wfEx *db.WorkflowExecution
	d := newDispatchState()

	err := e.store.WithWorkflowLock(ctx, wfExID, func(ctx context.Context) error {
		var err error
		wfEx, err = e.store.GetWorkflowExecution(ctx, wfExID)
		if err != nil {
			return err
		}

		if IsTerminal(to) {
			return e.completeWorkflow(ctx, wfEx, to, message, d)
		}

		if err := e.setWorkflowState(ctx, wfEx, to, message); err != nil {
			return err
		}

		if reenter {
			if err := e.restartParkedTasks(ctx, wfEx, d); err != nil {
				return err
			}
			return e.continueWorkflowLocked(ctx, wfEx, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.flush(ctx, d); err != nil {
		return nil, err
	}

	return e.store.GetWorkflowExecution(ctx, wfExID)
}

// RerunTask restarts an ERROR task inside an ERROR or PAUSED workflow. With
// reset=true previous action results are discarded; reset=false is allowed
// only for with-items tasks and preserves succeeded iterations.
func (e *Engine) RerunTask(ctx context.Context, taskExID string, reset bool, env map[string]any) (*db.TaskExecution, error) {
	taskEx, err := e.store.GetTaskExecution(ctx, taskExID)
	if err != nil {
		return nil, err
	}

	d := newDispatchState()

	err = e.store.WithWorkflowLock(ctx, taskEx.WorkflowExecutionID, func(ctx context.Context) error {
		taskEx, err = e.store.GetTaskExecution(ctx, taskExID)
		if err != nil {
			return err
		}

		if State(taskEx.State) != StateError {
			return errors.InvalidState(
				"only ERROR tasks can be rerun, task %q is %q", taskEx.Name, taskEx.State)
		}

		wfEx, err := e.store.GetWorkflowExecution(ctx, taskEx.WorkflowExecutionID)
		if err != nil {
			return err
		}
		if st := State(wfEx.State); st != StateError && st != StatePaused {
			return errors.InvalidState(
				"workflow must be in ERROR or PAUSED to rerun a task, got %q", wfEx.State)
		}

		spec, err := taskSpecOf(taskEx)
		if err != nil {
			return err
		}

		if !reset && len(spec.WithItems) == 0 {
			return errors.InputInvalid(
				"reset=false is only allowed for with-items tasks")
		}

		if reset {
			if err := e.invalidateActionResults(ctx, taskEx.ID); err != nil {
				return err
			}
		}

		if env != nil {
			mergeEnv(taskEx.InContext, env)
			mergeEnv(wfEx.Context, env)
		}

		// Clear policy skip markers so wait/pause policies apply again.
		delete(taskEx.RuntimeContext, rtWaitBefore)
		delete(taskEx.RuntimeContext, rtWaitAfter)

		taskEx.Processed = false
		if err := e.setTaskState(ctx, taskEx, StateRunning, ""); err != nil {
			return err
		}

		if err := e.resumeWorkflowChain(ctx, wfEx); err != nil {
			return err
		}

		// Without a reset, succeeded iterations keep their results and only
		// the rest run again.
		if !reset {
			return e.resumeWithItems(ctx, wfEx, taskEx, spec, d)
		}

		return e.scheduleTaskActions(ctx, wfEx, taskEx, spec, d)
	})
	if err != nil {
		return nil, err
	}

	if err := e.flush(ctx, d); err != nil {
		return nil, err
	}

	return e.store.GetTaskExecution(ctx, taskExID)
}

// resumeWorkflowChain moves the workflow, and recursively any parent
// workflow above it, back to RUNNING.
func (e *Engine) resumeWorkflowChain(ctx context.Context, wfEx *db.WorkflowExecution) error {
	if State(wfEx.State) != StateRunning {
		wfEx.Accepted = false
		if err := e.setWorkflowState(ctx, wfEx, StateRunning, ""); err != nil {
			return err
		}
	}

	if wfEx.TaskExecutionID == nil {
		return nil
	}

	parentTask, err := e.store.GetTaskExecution(ctx, *wfEx.TaskExecutionID)
	if err != nil {
		return err
	}

	if IsTerminal(State(parentTask.State)) {
		parentTask.Processed = false
		if err := e.setTaskState(ctx, parentTask, StateRunning, ""); err != nil {
			return err
		}
	}

	parentWf, err := e.store.GetWorkflowExecution(ctx, parentTask.WorkflowExecutionID)
	if err != nil {
		return err
	}

	return e.resumeWorkflowChain(ctx, parentWf)
}

// DispatchDelayedCall routes a due delayed call to its target method. The
// scheduler calls this with the call's stored auth context restored.
func (e *Engine) DispatchDelayedCall(ctx context.Context, call *db.DelayedCall) error {
	taskExID, _ := call.MethodArguments["task_execution_id"].(string)
	if taskExID == "" {
		return errors.InputInvalid(
			"delayed call %q has no task_execution_id", call.TargetMethodName)
	}

	switch call.TargetMethodName {
	case methodRunTask:
		return e.resumeDelayedTask(ctx, taskExID)
	case methodRefreshTaskState:
		state, _ := call.MethodArguments["state"].(string)
		return e.refreshTaskState(ctx, taskExID, State(state))
	case methodFailTaskIfIncomplete:
		return e.failTaskIfIncomplete(ctx, taskExID)
	default:
		return errors.NotFound("unknown delayed call target %q", call.TargetMethodName)
	}
}

// scheduleTaskCall persists a delayed call against a task.
func (e *Engine) scheduleTaskCall(ctx context.Context, method, taskExID string, delay time.Duration, extra map[string]any) error {
	args := map[string]any{"task_execution_id": taskExID}
	for k, v := range extra {
		args[k] = v
	}

	return e.store.CreateDelayedCall(ctx, &db.DelayedCall{
		TargetMethodName: method,
		MethodArguments:  args,
		AuthContext:      authctx.From(ctx),
		ExecutionTime:    time.Now().Add(delay),
	})
}

// resolveEnvironment canonicalises the env start param: either an inline
// mapping or the name of a stored environment.
func (e *Engine) resolveEnvironment(ctx context.Context, projectID string, params map[string]any) (map[string]any, error) {
	switch env := params["env"].(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return env, nil
	case string:
		stored, err := e.store.GetEnvironment(ctx, projectID, env)
		if err != nil {
			return nil, err
		}
		return stored.Variables, nil
	default:
		return nil, errors.InputInvalid(
			"env must be a mapping or an environment name, got %T", env)
	}
}

// validateWorkflowInput checks supplied input against declared parameters
// and fills in defaults.
func validateWorkflowInput(spec *dsl.WorkflowSpec, input map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(input))
	declared := make(map[string]bool, len(spec.Input))

	for _, p := range spec.Input {
		declared[p.Name] = true
		if v, ok := input[p.Name]; ok {
			out[p.Name] = v
			continue
		}
		if !p.HasDefault {
			return nil, errors.InputInvalid(
				"workflow %q is missing required input %q", spec.Name, p.Name)
		}
		out[p.Name] = p.Default
	}

	for k := range input {
		if !declared[k] {
			return nil, errors.InputInvalid(
				"workflow %q does not declare input %q", spec.Name, k)
		}
	}

	return out, nil
}

func mergeEnv(ctx map[string]any, env map[string]any) {
	existing, _ := ctx[expr.KeyEnv].(map[string]any)
	if existing == nil {
		existing = make(map[string]any, len(env))
	}
	for k, v := range env {
		existing[k] = v
	}
	ctx[expr.KeyEnv] = existing
}

func (e *Engine) publishState(kind events.EventType, id, name, oldState, newState, info string) {
	e.pub.Publish(events.Event{
		Type:        kind,
		ExecutionID: id,
		Data: events.StateChange{
			EntityID:  id,
			Name:      name,
			OldState:  oldState,
			NewState:  newState,
			StateInfo: info,
		},
	})
}

func taskSpecOf(taskEx *db.TaskExecution) (*dsl.TaskSpec, error) {
	var spec dsl.TaskSpec
	if err := jsonUnmarshal(taskEx.Spec, &spec); err != nil {
		return nil, fmt.Errorf("task %s has invalid spec: %w", taskEx.ID, err)
	}
	return &spec, nil
}

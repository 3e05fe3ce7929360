package engine

import (
	"context"
	"encoding/json"

	"github.com/millrace/mill/internal/db"
	"github.com/millrace/mill/internal/dsl"
	"github.com/millrace/mill/internal/errors"
	"github.com/millrace/mill/internal/events"
	"github.com/millrace/mill/internal/executor"
	"github.com/millrace/mill/internal/expr"
)

func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// runTaskCommand handles a RunTask command from the controller: it creates
// the task execution (or resumes a WAITING placeholder) and starts its
// actions unless a before-start policy defers it.
func (e *Engine) runTaskCommand(ctx context.Context, wfEx *db.WorkflowExecution, cmd *RunTask, d *dispatchState) error {
	spec := cmd.TaskSpec

	// Name lookup is reserved for joins; a plain task gets a fresh
	// execution for every triggering transition.
	if spec.HasJoin() || cmd.Wait {
		existing, err := e.store.GetTaskExecutionByName(ctx, wfEx.ID, spec.Name)
		if err != nil && !errors.HasCode(err, errors.CodeNotFound) {
			return err
		}

		if existing != nil {
			// Only a WAITING placeholder whose join became satisfied resumes.
			if State(existing.State) != StateWaiting || cmd.Wait {
				return nil
			}
			existing.InContext = cmd.Context
			if err := e.setTaskState(ctx, existing, StateRunning, ""); err != nil {
				return err
			}
			return e.startTask(ctx, wfEx, existing, spec, d)
		}
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return err
	}

	state := StateIdle
	if cmd.Wait {
		state = StateWaiting
	}

	taskEx := &db.TaskExecution{
		Name:                spec.Name,
		WorkflowExecutionID: wfEx.ID,
		WorkflowName:        wfEx.WorkflowName,
		WorkflowID:          wfEx.WorkflowID,
		ProjectID:           wfEx.ProjectID,
		Spec:                specJSON,
		State:               string(state),
		InContext:           cmd.Context,
	}

	if err := e.store.CreateTaskExecution(ctx, taskEx); err != nil {
		return err
	}

	if cmd.Wait {
		return nil
	}

	return e.startTask(ctx, wfEx, taskEx, spec, d)
}

// startTask runs the before-start policy chain and, unless deferred,
// schedules the task's actions.
func (e *Engine) startTask(ctx context.Context, wfEx *db.WorkflowExecution, taskEx *db.TaskExecution, spec *dsl.TaskSpec, d *dispatchState) error {
	policies, err := buildPolicies(spec, taskEx.InContext)
	if err != nil {
		return e.failTask(ctx, wfEx, taskEx, spec, err.Error(), d)
	}

	run := &policyRun{engine: e, wfEx: wfEx, taskEx: taskEx, spec: spec, dispatch: d}

	for _, p := range policies {
		deferred, err := p.beforeTaskStart(ctx, run)
		if err != nil {
			return err
		}
		if deferred {
			return e.store.UpdateTaskExecution(ctx, taskEx)
		}
	}

	if err := e.setTaskState(ctx, taskEx, StateRunning, ""); err != nil {
		return err
	}

	return e.scheduleTaskActions(ctx, wfEx, taskEx, spec, d)
}

// restartParkedTasks resumes tasks left in IDLE by a pause-before policy.
// Their skip flag is already set, so the policy chain lets them through.
func (e *Engine) restartParkedTasks(ctx context.Context, wfEx *db.WorkflowExecution, d *dispatchState) error {
	tasks, err := e.store.ListTaskExecutions(ctx, db.TaskExecutionFilter{
		WorkflowExecutionID: wfEx.ID,
		State:               string(StateIdle),
	})
	if err != nil {
		return err
	}

	for _, taskEx := range tasks {
		spec, err := taskSpecOf(taskEx)
		if err != nil {
			return err
		}
		if err := e.startTask(ctx, wfEx, taskEx, spec, d); err != nil {
			return err
		}
	}

	return nil
}

// scheduleTaskActions resolves the task's action or sub-workflow and queues
// the invocations.
func (e *Engine) scheduleTaskActions(ctx context.Context, wfEx *db.WorkflowExecution, taskEx *db.TaskExecution, spec *dsl.TaskSpec, d *dispatchState) error {
	if len(spec.WithItems) > 0 {
		return e.scheduleWithItems(ctx, wfEx, taskEx, spec, d)
	}

	evalCtx := taskEvalContext(taskEx, nil)

	if spec.Workflow != "" {
		input, err := expr.RenderMap(spec.Input, evalCtx)
		if err != nil {
			return e.failTask(ctx, wfEx, taskEx, spec, err.Error(), d)
		}
		d.subStarts = append(d.subStarts, subWorkflowStart{
			taskExID:  taskEx.ID,
			projectID: wfEx.ProjectID,
			workflow:  spec.Workflow,
			input:     input,
			env:       envOf(taskEx.InContext),
		})
		return nil
	}

	name, input, err := e.resolveAction(ctx, wfEx.ProjectID, spec, evalCtx)
	if err != nil {
		return e.failTask(ctx, wfEx, taskEx, spec, err.Error(), d)
	}

	return e.submitAction(ctx, taskEx, name, input, nil, d)
}

// scheduleWithItems fans the task out over its items collection. An empty
// collection completes the task immediately with an empty result.
func (e *Engine) scheduleWithItems(ctx context.Context, wfEx *db.WorkflowExecution, taskEx *db.TaskExecution, spec *dsl.TaskSpec, d *dispatchState) error {
	items, err := evaluateItems(spec, taskEx.InContext)
	if err != nil {
		return e.failTask(ctx, wfEx, taskEx, spec, err.Error(), d)
	}

	if len(items) == 0 {
		return e.completeTask(ctx, wfEx, taskEx, spec, StateSuccess, "", d)
	}

	if taskEx.RuntimeContext == nil {
		taskEx.RuntimeContext = make(map[string]any)
	}
	taskEx.RuntimeContext["with_items"] = map[string]any{
		"count":     len(items),
		"items":     items,
		"submitted": 0,
	}

	limit := toInt(taskEx.RuntimeContext[rtConcurrency])
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}

	for i := 0; i < limit; i++ {
		if err := e.submitItem(ctx, wfEx, taskEx, spec, i, d); err != nil {
			return err
		}
	}

	return e.store.UpdateTaskExecution(ctx, taskEx)
}

// resumeWithItems re-runs only the iterations of a with-items task that have
// no accepted successful result yet. Accepted failures lose their accepted
// flag so the rebuilt result keeps exactly one entry per item.
func (e *Engine) resumeWithItems(ctx context.Context, wfEx *db.WorkflowExecution, taskEx *db.TaskExecution, spec *dsl.TaskSpec, d *dispatchState) error {
	items, err := evaluateItems(spec, taskEx.InContext)
	if err != nil {
		return e.failTask(ctx, wfEx, taskEx, spec, err.Error(), d)
	}

	actions, err := e.store.ListActionExecutions(ctx, db.ActionExecutionFilter{
		TaskExecutionID: taskEx.ID,
	})
	if err != nil {
		return err
	}

	done := make(map[int]bool)
	for _, a := range actions {
		if !a.Accepted {
			continue
		}
		if State(a.State) == StateSuccess {
			done[actionIndex(a)] = true
			continue
		}
		a.Accepted = false
		if err := e.store.UpdateActionExecution(ctx, a); err != nil {
			return err
		}
	}

	if taskEx.RuntimeContext == nil {
		taskEx.RuntimeContext = make(map[string]any)
	}
	taskEx.RuntimeContext["with_items"] = map[string]any{
		"count":     len(items),
		"items":     items,
		"submitted": len(done),
	}

	if len(done) >= len(items) {
		return e.completeTask(ctx, wfEx, taskEx, spec, StateSuccess, "", d)
	}

	for i := range items {
		if done[i] {
			continue
		}
		if err := e.submitItem(ctx, wfEx, taskEx, spec, i, d); err != nil {
			return err
		}
	}

	return e.store.UpdateTaskExecution(ctx, taskEx)
}

// submitItem queues iteration i of a with-items task.
func (e *Engine) submitItem(ctx context.Context, wfEx *db.WorkflowExecution, taskEx *db.TaskExecution, spec *dsl.TaskSpec, i int, d *dispatchState) error {
	wi, _ := taskEx.RuntimeContext["with_items"].(map[string]any)
	items, _ := wi["items"].([]any)
	if i >= len(items) {
		return nil
	}

	vars, _ := items[i].(map[string]any)
	evalCtx := taskEvalContext(taskEx, vars)

	if spec.Workflow != "" {
		input, err := expr.RenderMap(spec.Input, evalCtx)
		if err != nil {
			return err
		}
		idx := i
		d.subStarts = append(d.subStarts, subWorkflowStart{
			taskExID:  taskEx.ID,
			projectID: wfEx.ProjectID,
			workflow:  spec.Workflow,
			input:     input,
			env:       envOf(taskEx.InContext),
			index:     &idx,
		})
	} else {
		name, input, err := e.resolveAction(ctx, wfEx.ProjectID, spec, evalCtx)
		if err != nil {
			return err
		}
		idx := i
		if err := e.submitAction(ctx, taskEx, name, input, &idx, d); err != nil {
			return err
		}
	}

	wi["submitted"] = toInt(wi["submitted"]) + 1
	return nil
}

// submitAction persists an action execution and queues it for the executor.
func (e *Engine) submitAction(ctx context.Context, taskEx *db.TaskExecution, name string, input map[string]any, index *int, d *dispatchState) error {
	actionEx := &db.ActionExecution{
		Name:            name,
		TaskExecutionID: &taskEx.ID,
		WorkflowName:    taskEx.WorkflowName,
		ProjectID:       taskEx.ProjectID,
		State:           string(StateRunning),
		Input:           input,
	}
	if index != nil {
		actionEx.RuntimeContext = map[string]any{"index": *index}
	}

	if err := e.store.CreateActionExecution(ctx, actionEx); err != nil {
		return err
	}

	d.submissions = append(d.submissions, executor.Request{
		ActionExID: actionEx.ID,
		Name:       name,
		Input:      input,
	})

	return nil
}

// resolveAction evaluates the task input and resolves ad-hoc action
// definitions (one level of "base" indirection) to an executable name.
func (e *Engine) resolveAction(ctx context.Context, projectID string, spec *dsl.TaskSpec, evalCtx map[string]any) (string, map[string]any, error) {
	name := spec.Action
	if name == "" {
		name = "std.noop"
	}

	input, err := expr.RenderMap(spec.Input, evalCtx)
	if err != nil {
		return "", nil, err
	}

	def, err := e.store.GetActionDefinition(ctx, projectID, name)
	if errors.HasCode(err, errors.CodeNotFound) {
		return name, input, nil
	}
	if err != nil {
		return "", nil, err
	}

	base, _ := def.Attributes["base"].(string)
	if base == "" {
		return name, input, nil
	}

	baseInput, _ := def.Attributes["base_input"].(map[string]any)
	resolved, err := expr.RenderMap(baseInput, input)
	if err != nil {
		return "", nil, err
	}

	return base, resolved, nil
}

// onTaskActionComplete advances a task after one of its actions finished.
// The action result has already been written; the workflow lock is held.
func (e *Engine) onTaskActionComplete(ctx context.Context, actionEx *db.ActionExecution, d *dispatchState) error {
	taskEx, err := e.store.GetTaskExecution(ctx, *actionEx.TaskExecutionID)
	if err != nil {
		return err
	}

	// Late results for finished or reset tasks are recorded but ignored.
	if IsTerminal(State(taskEx.State)) {
		return nil
	}

	wfEx, err := e.store.GetWorkflowExecution(ctx, taskEx.WorkflowExecutionID)
	if err != nil {
		return err
	}

	spec, err := taskSpecOf(taskEx)
	if err != nil {
		return err
	}

	if wi, ok := taskEx.RuntimeContext["with_items"].(map[string]any); ok {
		return e.advanceWithItems(ctx, wfEx, taskEx, spec, actionEx, wi, d)
	}

	return e.completeTask(ctx, wfEx, taskEx, spec, State(actionEx.State), actionEx.StateInfo, d)
}

// advanceWithItems submits the next pending iteration or declares the task
// complete once every iteration has an accepted result.
func (e *Engine) advanceWithItems(ctx context.Context, wfEx *db.WorkflowExecution, taskEx *db.TaskExecution, spec *dsl.TaskSpec, actionEx *db.ActionExecution, wi map[string]any, d *dispatchState) error {
	if State(actionEx.State) == StateError {
		return e.completeTask(ctx, wfEx, taskEx, spec, StateError, actionEx.StateInfo, d)
	}

	count := toInt(wi["count"])
	submitted := toInt(wi["submitted"])

	if submitted < count {
		if err := e.submitItem(ctx, wfEx, taskEx, spec, submitted, d); err != nil {
			return err
		}
		return e.store.UpdateTaskExecution(ctx, taskEx)
	}

	accepted := true
	actions, err := e.store.ListActionExecutions(ctx, db.ActionExecutionFilter{
		TaskExecutionID: taskEx.ID,
		State:           string(StateSuccess),
		Accepted:        &accepted,
	})
	if err != nil {
		return err
	}

	if len(actions) < count {
		return nil
	}

	return e.completeTask(ctx, wfEx, taskEx, spec, StateSuccess, "", d)
}

// completeTask finishes a task: it runs the after-complete policies,
// publishes variables on success, merges the task into the workflow context
// and asks the controller for the next commands.
func (e *Engine) completeTask(ctx context.Context, wfEx *db.WorkflowExecution, taskEx *db.TaskExecution, spec *dsl.TaskSpec, state State, stateInfo string, d *dispatchState) error {
	policies, err := buildPolicies(spec, taskEx.InContext)
	if err != nil {
		// A broken policy config fails the task; the chain does not run.
		policies = nil
		state = StateError
		stateInfo = err.Error()
	}

	// Policies observe the prospective outcome. The persisted state stays
	// non-terminal until the chain lets completion through, so a deferring
	// policy transitions from the pre-completion state.
	prev := State(taskEx.State)
	taskEx.State = string(state)
	if stateInfo != "" {
		taskEx.StateInfo = stateInfo
	}

	run := &policyRun{engine: e, wfEx: wfEx, taskEx: taskEx, spec: spec, dispatch: d, prevState: prev}
	for _, p := range policies {
		deferred, err := p.afterTaskComplete(ctx, run)
		if err != nil {
			return err
		}
		if deferred {
			return nil
		}
	}

	taskEx.State = string(prev)
	if err := e.setTaskState(ctx, taskEx, state, stateInfo); err != nil {
		return err
	}

	if state == StateSuccess {
		actions, err := e.store.ListActionExecutions(ctx, db.ActionExecutionFilter{
			TaskExecutionID: taskEx.ID,
		})
		if err != nil {
			return err
		}

		result, hasResult := taskResult(actions, len(spec.WithItems) > 0)

		if err := publishVariables(taskEx, spec, result, hasResult); err != nil {
			return e.failTask(ctx, wfEx, taskEx, spec, err.Error(), d)
		}

		applyTaskToWorkflowContext(wfEx.Context, taskEx, spec, result, hasResult)
		if err := e.store.UpdateWorkflowExecution(ctx, wfEx); err != nil {
			return err
		}
	}

	if err := e.store.UpdateTaskExecution(ctx, taskEx); err != nil {
		return err
	}

	return e.continueWorkflowLocked(ctx, wfEx, d)
}

// failTask moves a task to ERROR with a message and lets the workflow react.
func (e *Engine) failTask(ctx context.Context, wfEx *db.WorkflowExecution, taskEx *db.TaskExecution, spec *dsl.TaskSpec, msg string, d *dispatchState) error {
	return e.completeTask(ctx, wfEx, taskEx, spec, StateError, msg, d)
}

// invalidateActionResults marks every action execution of a task as not
// accepted; their results stop being authoritative.
func (e *Engine) invalidateActionResults(ctx context.Context, taskExID string) error {
	actions, err := e.store.ListActionExecutions(ctx, db.ActionExecutionFilter{
		TaskExecutionID: taskExID,
	})
	if err != nil {
		return err
	}

	for _, a := range actions {
		if !a.Accepted {
			continue
		}
		a.Accepted = false
		if err := e.store.UpdateActionExecution(ctx, a); err != nil {
			return err
		}
	}

	return nil
}

// resumeDelayedTask handles the run_task delayed call: a task parked by
// wait-before or a delayed retry becomes runnable.
func (e *Engine) resumeDelayedTask(ctx context.Context, taskExID string) error {
	taskEx, err := e.store.GetTaskExecution(ctx, taskExID)
	if err != nil {
		return err
	}

	d := newDispatchState()

	err = e.store.WithWorkflowLock(ctx, taskEx.WorkflowExecutionID, func(ctx context.Context) error {
		taskEx, err = e.store.GetTaskExecution(ctx, taskExID)
		if err != nil {
			return err
		}
		if State(taskEx.State) != StateRunningDelayed {
			return nil
		}

		wfEx, err := e.store.GetWorkflowExecution(ctx, taskEx.WorkflowExecutionID)
		if err != nil {
			return err
		}

		spec, err := taskSpecOf(taskEx)
		if err != nil {
			return err
		}

		return e.startTask(ctx, wfEx, taskEx, spec, d)
	})
	if err != nil {
		return err
	}

	return e.flush(ctx, d)
}

// refreshTaskState handles the wait-after delayed call: the task's deferred
// completion outcome is applied now.
func (e *Engine) refreshTaskState(ctx context.Context, taskExID string, state State) error {
	taskEx, err := e.store.GetTaskExecution(ctx, taskExID)
	if err != nil {
		return err
	}

	d := newDispatchState()

	err = e.store.WithWorkflowLock(ctx, taskEx.WorkflowExecutionID, func(ctx context.Context) error {
		taskEx, err = e.store.GetTaskExecution(ctx, taskExID)
		if err != nil {
			return err
		}
		if State(taskEx.State) != StateRunningDelayed {
			return nil
		}

		wfEx, err := e.store.GetWorkflowExecution(ctx, taskEx.WorkflowExecutionID)
		if err != nil {
			return err
		}

		spec, err := taskSpecOf(taskEx)
		if err != nil {
			return err
		}

		if state == "" {
			state = StateSuccess
		}

		if err := e.setTaskState(ctx, taskEx, StateRunning, ""); err != nil {
			return err
		}
		return e.completeTask(ctx, wfEx, taskEx, spec, state, "", d)
	})
	if err != nil {
		return err
	}

	return e.flush(ctx, d)
}

// failTaskIfIncomplete handles the timeout delayed call.
func (e *Engine) failTaskIfIncomplete(ctx context.Context, taskExID string) error {
	taskEx, err := e.store.GetTaskExecution(ctx, taskExID)
	if err != nil {
		return err
	}

	d := newDispatchState()

	err = e.store.WithWorkflowLock(ctx, taskEx.WorkflowExecutionID, func(ctx context.Context) error {
		taskEx, err = e.store.GetTaskExecution(ctx, taskExID)
		if err != nil {
			return err
		}
		if IsTerminal(State(taskEx.State)) {
			return nil
		}

		wfEx, err := e.store.GetWorkflowExecution(ctx, taskEx.WorkflowExecutionID)
		if err != nil {
			return err
		}

		spec, err := taskSpecOf(taskEx)
		if err != nil {
			return err
		}

		if State(taskEx.State) != StateRunning {
			if err := e.setTaskState(ctx, taskEx, StateRunning, ""); err != nil {
				return err
			}
		}

		return e.completeTask(ctx, wfEx, taskEx, spec, StateError, "Timeout", d)
	})
	if err != nil {
		return err
	}

	return e.flush(ctx, d)
}

// failTaskFromOutside fails a task without holding the workflow lock yet.
func (e *Engine) failTaskFromOutside(ctx context.Context, taskExID, msg string) error {
	taskEx, err := e.store.GetTaskExecution(ctx, taskExID)
	if err != nil {
		return err
	}

	d := newDispatchState()

	err = e.store.WithWorkflowLock(ctx, taskEx.WorkflowExecutionID, func(ctx context.Context) error {
		taskEx, err = e.store.GetTaskExecution(ctx, taskExID)
		if err != nil {
			return err
		}
		if IsTerminal(State(taskEx.State)) {
			return nil
		}

		wfEx, err := e.store.GetWorkflowExecution(ctx, taskEx.WorkflowExecutionID)
		if err != nil {
			return err
		}

		spec, err := taskSpecOf(taskEx)
		if err != nil {
			return err
		}

		return e.failTask(ctx, wfEx, taskEx, spec, msg, d)
	})
	if err != nil {
		return err
	}

	return e.flush(ctx, d)
}

// setTaskState validates and applies a task state transition.
func (e *Engine) setTaskState(ctx context.Context, taskEx *db.TaskExecution, to State, info string) error {
	from := State(taskEx.State)
	if err := checkTransition("task '"+taskEx.Name+"'", from, to); err != nil {
		return err
	}

	taskEx.State = string(to)
	if info != "" {
		taskEx.StateInfo = info
	}

	if err := e.store.UpdateTaskExecution(ctx, taskEx); err != nil {
		return err
	}

	e.pub.Publish(events.Event{
		Type:        events.EventTaskState,
		ExecutionID: taskEx.WorkflowExecutionID,
		Data: events.StateChange{
			EntityID:  taskEx.ID,
			Name:      taskEx.Name,
			OldState:  string(from),
			NewState:  string(to),
			StateInfo: info,
		},
	})

	return nil
}

// taskEvalContext composes the context for evaluating task input: the
// inbound context plus with-items variables.
func taskEvalContext(taskEx *db.TaskExecution, itemVars map[string]any) map[string]any {
	out := make(map[string]any, len(taskEx.InContext)+len(itemVars)+1)
	for k, v := range taskEx.InContext {
		out[k] = v
	}
	for k, v := range itemVars {
		out[k] = v
	}
	out[expr.KeyTaskExecutionID] = taskEx.ID
	return out
}

func envOf(ctx map[string]any) map[string]any {
	env, _ := ctx[expr.KeyEnv].(map[string]any)
	return env
}

// evaluateItems evaluates the with-items bindings against the task context.
// Multiple bindings zip together and must have equal lengths.
func evaluateItems(spec *dsl.TaskSpec, evalCtx map[string]any) ([]any, error) {
	bindings, err := dsl.ParseWithItems(spec.WithItems)
	if err != nil {
		return nil, err
	}

	lists := make([][]any, len(bindings))
	length := -1

	for i, b := range bindings {
		v, err := expr.Evaluate(b.Expression, evalCtx)
		if err != nil {
			return nil, err
		}
		list, ok := toList(v)
		if !ok {
			return nil, errors.InputInvalid(
				"with-items expression %q must yield a list, got %T", b.Expression, v)
		}
		if length >= 0 && len(list) != length {
			return nil, errors.InputInvalid(
				"with-items lists have mismatched lengths: %d vs %d", length, len(list))
		}
		length = len(list)
		lists[i] = list
	}

	items := make([]any, length)
	for i := 0; i < length; i++ {
		vars := make(map[string]any, len(bindings))
		for j, b := range bindings {
			vars[b.Var] = lists[j][i]
		}
		items[i] = vars
	}

	return items, nil
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case nil:
		return nil, false
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

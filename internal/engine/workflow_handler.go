package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/millrace/mill/internal/db"
	"github.com/millrace/mill/internal/dsl"
	"github.com/millrace/mill/internal/events"
)

// setWorkflowState validates and applies a workflow state transition. A
// workflow is accepted exactly when it sits in a terminal state.
func (e *Engine) setWorkflowState(ctx context.Context, wfEx *db.WorkflowExecution, to State, message string) error {
	from := State(wfEx.State)
	if err := checkTransition("workflow '"+wfEx.WorkflowName+"'", from, to); err != nil {
		return err
	}

	wfEx.State = string(to)
	if message != "" {
		wfEx.StateInfo = message
	}
	wfEx.Accepted = IsTerminal(to)

	if err := e.store.UpdateWorkflowExecution(ctx, wfEx); err != nil {
		return err
	}

	e.publishState(events.EventWorkflowState, wfEx.ID, wfEx.WorkflowName,
		string(from), string(to), message)
	return nil
}

// rtCommandBacklog holds the commands of an interrupted dispatch pass in the
// workflow's runtime context until the workflow runs again.
const rtCommandBacklog = "command_backlog"

// continueWorkflowLocked runs one controller pass: it replays any parked
// commands, dispatches the next ones, marks consumed tasks processed and
// completes the workflow when nothing remains in flight. The workflow lock
// must be held.
func (e *Engine) continueWorkflowLocked(ctx context.Context, wfEx *db.WorkflowExecution, d *dispatchState) error {
	if IsTerminal(State(wfEx.State)) {
		return nil
	}

	if State(wfEx.State) == StateRunning {
		if err := e.dispatchBacklog(ctx, wfEx, d); err != nil {
			return err
		}
	}

	ctrl, err := newController(e.store, wfEx)
	if err != nil {
		return err
	}

	cmds, err := ctrl.ContinueWorkflow(ctx)
	if err != nil {
		return err
	}

	if err := e.dispatchCommands(ctx, wfEx, cmds, d); err != nil {
		return err
	}

	if err := e.markTasksProcessed(ctx, wfEx); err != nil {
		return err
	}

	if State(wfEx.State) != StateRunning {
		return nil
	}

	may, err := ctrl.MayComplete(ctx)
	if err != nil || !may {
		return err
	}

	handled, err := ctrl.AllErrorsHandled(ctx)
	if err != nil {
		return err
	}

	if !handled {
		msg, err := e.failureMessage(ctx, wfEx)
		if err != nil {
			return err
		}
		return e.completeWorkflow(ctx, wfEx, StateError, msg, d)
	}

	return e.completeWorkflow(ctx, wfEx, StateSuccess, "", d)
}

// dispatchCommands runs commands in order. When one of them pauses the
// workflow, the undispatched remainder is parked in the workflow's runtime
// context so the next resume replays it instead of losing it.
func (e *Engine) dispatchCommands(ctx context.Context, wfEx *db.WorkflowExecution, cmds []Command, d *dispatchState) error {
	for i, cmd := range cmds {
		if d.seen[cmd.Key()] {
			continue
		}
		d.seen[cmd.Key()] = true

		if err := e.dispatchCommand(ctx, wfEx, cmd, d); err != nil {
			return err
		}

		if State(wfEx.State) != StateRunning {
			if State(wfEx.State) == StatePaused {
				return e.parkCommands(ctx, wfEx, cmds[i+1:])
			}
			return nil
		}
	}
	return nil
}

// parkCommands appends the remainder of an interrupted pass to the backlog.
func (e *Engine) parkCommands(ctx context.Context, wfEx *db.WorkflowExecution, rest []Command) error {
	var parked []any
	for _, cmd := range rest {
		enc, err := encodeCommand(cmd)
		if err != nil {
			return err
		}
		parked = append(parked, enc)
	}
	if len(parked) == 0 {
		return nil
	}

	if wfEx.RuntimeContext == nil {
		wfEx.RuntimeContext = make(map[string]any)
	}
	existing, _ := wfEx.RuntimeContext[rtCommandBacklog].([]any)
	wfEx.RuntimeContext[rtCommandBacklog] = append(existing, parked...)

	return e.store.UpdateWorkflowExecution(ctx, wfEx)
}

// dispatchBacklog replays the commands parked by an interrupted pass. A
// replay that pauses again re-parks its own remainder.
func (e *Engine) dispatchBacklog(ctx context.Context, wfEx *db.WorkflowExecution, d *dispatchState) error {
	raw, _ := wfEx.RuntimeContext[rtCommandBacklog].([]any)
	if len(raw) == 0 {
		return nil
	}

	delete(wfEx.RuntimeContext, rtCommandBacklog)
	if err := e.store.UpdateWorkflowExecution(ctx, wfEx); err != nil {
		return err
	}

	cmds := make([]Command, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		cmd, err := decodeCommand(m)
		if err != nil {
			return err
		}
		cmds = append(cmds, cmd)
	}

	return e.dispatchCommands(ctx, wfEx, cmds, d)
}

// dispatchCommand executes one controller command.
func (e *Engine) dispatchCommand(ctx context.Context, wfEx *db.WorkflowExecution, cmd Command, d *dispatchState) error {
	switch c := cmd.(type) {
	case *RunTask:
		return e.runTaskCommand(ctx, wfEx, c, d)
	case *RunExistingTask:
		return e.runExistingTaskCommand(ctx, wfEx, c, d)
	case *SetWorkflowState:
		if IsTerminal(c.State) {
			return e.completeWorkflow(ctx, wfEx, c.State, c.Message, d)
		}
		return e.setWorkflowState(ctx, wfEx, c.State, c.Message)
	case *Noop:
		return nil
	default:
		return fmt.Errorf("unknown command type %T", cmd)
	}
}

func (e *Engine) runExistingTaskCommand(ctx context.Context, wfEx *db.WorkflowExecution, cmd *RunExistingTask, d *dispatchState) error {
	taskEx, err := e.store.GetTaskExecution(ctx, cmd.TaskExID)
	if err != nil {
		return err
	}

	if cmd.Reset {
		if err := e.invalidateActionResults(ctx, taskEx.ID); err != nil {
			return err
		}
	}

	spec, err := taskSpecOf(taskEx)
	if err != nil {
		return err
	}

	taskEx.Processed = false
	if err := e.setTaskState(ctx, taskEx, StateRunning, ""); err != nil {
		return err
	}

	return e.scheduleTaskActions(ctx, wfEx, taskEx, spec, d)
}

// markTasksProcessed flags terminal tasks whose outbound commands were
// consumed in this pass so the next pass ignores them.
func (e *Engine) markTasksProcessed(ctx context.Context, wfEx *db.WorkflowExecution) error {
	processed := false
	tasks, err := e.store.ListTaskExecutions(ctx, db.TaskExecutionFilter{
		WorkflowExecutionID: wfEx.ID,
		Processed:           &processed,
	})
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if !IsTerminal(State(t.State)) {
			continue
		}
		t.Processed = true
		if err := e.store.UpdateTaskExecution(ctx, t); err != nil {
			return err
		}
	}

	return nil
}

// failureMessage summarizes the unhandled task failures of a workflow.
func (e *Engine) failureMessage(ctx context.Context, wfEx *db.WorkflowExecution) (string, error) {
	tasks, err := e.store.ListTaskExecutions(ctx, db.TaskExecutionFilter{
		WorkflowExecutionID: wfEx.ID,
		State:               string(StateError),
	})
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(tasks))
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		names = append(names, t.Name)
	}

	return "failure caused by error in tasks: " + strings.Join(names, ", "), nil
}

// completeWorkflow moves a workflow to a terminal state, evaluates its final
// context and output on success, and notifies the parent task if this is a
// sub-workflow.
func (e *Engine) completeWorkflow(ctx context.Context, wfEx *db.WorkflowExecution, state State, message string, d *dispatchState) error {
	if state == StateSuccess {
		ctrl, err := newController(e.store, wfEx)
		if err != nil {
			return err
		}

		finalCtx, err := ctrl.EvaluateFinalContext(ctx)
		if err != nil {
			return err
		}
		wfEx.Context = finalCtx

		spec, err := dsl.ParseWorkflowSpec(wfEx.Spec)
		if err != nil {
			return err
		}

		output, err := workflowOutput(spec, finalCtx)
		if err != nil {
			// A broken output expression fails the workflow instead.
			state = StateError
			message = err.Error()
		} else {
			wfEx.Output = output
		}
	}

	if err := e.setWorkflowState(ctx, wfEx, state, message); err != nil {
		return err
	}

	if wfEx.TaskExecutionID == nil {
		return nil
	}

	p := &parentResult{
		taskExID:  *wfEx.TaskExecutionID,
		output:    wfEx.Output,
		state:     state,
		stateInfo: message,
	}
	if v, ok := wfEx.RuntimeContext["index"]; ok {
		i := toInt(v)
		p.index = &i
	}
	d.parent = p

	return nil
}

// startSubWorkflow launches a workflow owned by a task. Runs without the
// parent's lock held.
func (e *Engine) startSubWorkflow(ctx context.Context, sub subWorkflowStart) error {
	def, err := e.store.GetWorkflowDefinition(ctx, sub.projectID, sub.workflow)
	if err != nil {
		return err
	}

	spec, err := dsl.ParseWorkflowSpec(def.Spec)
	if err != nil {
		return err
	}

	input, err := validateWorkflowInput(spec, sub.input)
	if err != nil {
		return err
	}

	wfEx := &db.WorkflowExecution{
		WorkflowName:    spec.Name,
		WorkflowID:      def.ID,
		ProjectID:       sub.projectID,
		Spec:            def.Spec,
		State:           string(StateIdle),
		Input:           input,
		TaskExecutionID: &sub.taskExID,
	}
	if sub.index != nil {
		wfEx.RuntimeContext = map[string]any{"index": *sub.index}
	}

	env := sub.env
	if env == nil {
		env = map[string]any{}
	}

	wfEx.Context, err = initialWorkflowContext(wfEx, spec, env)
	if err != nil {
		return err
	}

	if err := e.store.CreateWorkflowExecution(ctx, wfEx); err != nil {
		return err
	}

	d := newDispatchState()

	err = e.store.WithWorkflowLock(ctx, wfEx.ID, func(ctx context.Context) error {
		if err := e.setWorkflowState(ctx, wfEx, StateRunning, ""); err != nil {
			return err
		}
		return e.continueWorkflowLocked(ctx, wfEx, d)
	})
	if err != nil {
		return err
	}

	return e.flush(ctx, d)
}

// onSubWorkflowComplete records a finished sub-workflow as an action result
// on the owning task, so task completion treats actions and sub-workflows
// uniformly.
func (e *Engine) onSubWorkflowComplete(ctx context.Context, p *parentResult) error {
	taskEx, err := e.store.GetTaskExecution(ctx, p.taskExID)
	if err != nil {
		return err
	}

	d := newDispatchState()

	err = e.store.WithWorkflowLock(ctx, taskEx.WorkflowExecutionID, func(ctx context.Context) error {
		taskEx, err = e.store.GetTaskExecution(ctx, p.taskExID)
		if err != nil {
			return err
		}
		if IsTerminal(State(taskEx.State)) {
			return nil
		}

		var result any = p.output
		if p.state == StateError {
			result = p.stateInfo
		}

		actionEx := &db.ActionExecution{
			Name:            "sub_workflow",
			TaskExecutionID: &taskEx.ID,
			WorkflowName:    taskEx.WorkflowName,
			ProjectID:       taskEx.ProjectID,
			State:           string(p.state),
			StateInfo:       p.stateInfo,
			Accepted:        true,
			Output:          map[string]any{"result": result},
		}
		if p.index != nil {
			actionEx.RuntimeContext = map[string]any{"index": *p.index}
		}

		if err := e.store.CreateActionExecution(ctx, actionEx); err != nil {
			return err
		}

		return e.onTaskActionComplete(ctx, actionEx, d)
	})
	if err != nil {
		return err
	}

	return e.flush(ctx, d)
}

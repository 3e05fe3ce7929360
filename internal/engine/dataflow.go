package engine

import (
	"sort"

	"github.com/millrace/mill/internal/db"
	"github.com/millrace/mill/internal/dsl"
	"github.com/millrace/mill/internal/expr"
)

// Reserved context keys. Everything else in the execution context belongs to
// the workflow: declared inputs, vars, and per-task published variables.
var reservedContextKeys = map[string]bool{
	expr.KeyExecution:       true,
	expr.KeyEnv:             true,
	expr.KeyTaskExecutionID: true,
}

// initialWorkflowContext seeds the execution context from validated input,
// declared vars, and the resolved environment.
func initialWorkflowContext(wfEx *db.WorkflowExecution, spec *dsl.WorkflowSpec, env map[string]any) (map[string]any, error) {
	ctx := make(map[string]any, len(wfEx.Input)+len(spec.Vars)+2)

	for k, v := range wfEx.Input {
		ctx[k] = v
	}

	ctx[expr.KeyEnv] = env
	ctx[expr.KeyExecution] = executionView(wfEx)

	// Vars may reference inputs and the environment.
	if len(spec.Vars) > 0 {
		rendered, err := expr.RenderMap(spec.Vars, ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range rendered {
			ctx[k] = v
		}
	}

	return ctx, nil
}

// executionView is the value of the __execution context key.
func executionView(wfEx *db.WorkflowExecution) map[string]any {
	return map[string]any{
		"id":     wfEx.ID,
		"name":   wfEx.WorkflowName,
		"spec":   string(wfEx.Spec),
		"input":  wfEx.Input,
		"params": wfEx.Params,
	}
}

// taskOutboundContext is what downstream guards and publishes see after a
// task completes: the task's inbound context overlaid with its published
// variables, plus the task's own result under its name.
func taskOutboundContext(taskEx *db.TaskExecution, result any, hasResult bool) map[string]any {
	out := make(map[string]any, len(taskEx.InContext)+len(taskEx.Published)+2)

	for k, v := range taskEx.InContext {
		out[k] = v
	}
	for k, v := range taskEx.Published {
		out[k] = v
	}
	if hasResult {
		out[taskEx.Name] = result
	}
	out[expr.KeyTaskExecutionID] = taskEx.ID

	return out
}

// publishVariables evaluates the task's publish mapping against its outbound
// context and stores the values on the task execution.
func publishVariables(taskEx *db.TaskExecution, spec *dsl.TaskSpec, result any, hasResult bool) error {
	if len(spec.Publish) == 0 {
		return nil
	}

	evalCtx := taskOutboundContext(taskEx, result, hasResult)

	published, err := expr.RenderMap(spec.Publish, evalCtx)
	if err != nil {
		return err
	}

	taskEx.Published = published
	return nil
}

// applyTaskToWorkflowContext merges a completed task's contribution into the
// shared workflow context: published variables at the top level, and the
// task's result (or published mapping) under the task's name.
func applyTaskToWorkflowContext(wfCtx map[string]any, taskEx *db.TaskExecution, spec *dsl.TaskSpec, result any, hasResult bool) {
	for k, v := range taskEx.Published {
		wfCtx[k] = v
	}

	switch {
	case len(spec.Publish) > 0:
		wfCtx[taskEx.Name] = taskEx.Published
	case hasResult && spec.ShouldKeepResult():
		wfCtx[taskEx.Name] = result
	}
}

// taskResult extracts the authoritative result of a task from its accepted
// action executions. A plain task yields its single action's result value; a
// with-items task yields the list of iteration results ordered by index.
func taskResult(actionExs []*db.ActionExecution, withItems bool) (any, bool) {
	accepted := make([]*db.ActionExecution, 0, len(actionExs))
	for _, a := range actionExs {
		if a.Accepted {
			accepted = append(accepted, a)
		}
	}

	if withItems {
		sort.Slice(accepted, func(i, j int) bool {
			return actionIndex(accepted[i]) < actionIndex(accepted[j])
		})
		results := make([]any, len(accepted))
		for i, a := range accepted {
			results[i] = actionResultValue(a)
		}
		return results, true
	}

	if len(accepted) == 0 {
		return nil, false
	}

	// Retries leave multiple rows; the newest accepted one wins.
	last := accepted[0]
	for _, a := range accepted[1:] {
		if a.CreatedAt.After(last.CreatedAt) {
			last = a
		}
	}

	return actionResultValue(last), true
}

// actionIndex reads the with-items iteration index from runtime_context.
func actionIndex(a *db.ActionExecution) int {
	if a.RuntimeContext == nil {
		return 0
	}
	switch v := a.RuntimeContext["index"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// actionResultValue unwraps the stored output envelope.
func actionResultValue(a *db.ActionExecution) any {
	if a.Output == nil {
		return nil
	}
	if v, ok := a.Output["result"]; ok {
		return v
	}
	return a.Output
}

// finalWorkflowContext merges the published variables and results of all
// successful tasks over the initial context, in completion order, so later
// publishes win on key collision.
func finalWorkflowContext(wfCtx map[string]any, tasks []*db.TaskExecution) map[string]any {
	out := make(map[string]any, len(wfCtx))
	for k, v := range wfCtx {
		out[k] = v
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.Before(tasks[j].UpdatedAt)
	})

	for _, t := range tasks {
		if State(t.State) != StateSuccess {
			continue
		}
		for k, v := range t.Published {
			out[k] = v
		}
	}

	return out
}

// workflowOutput computes the workflow's declared output against the final
// context. Without a declared output the final context itself, stripped of
// reserved keys, is the output.
func workflowOutput(spec *dsl.WorkflowSpec, finalCtx map[string]any) (map[string]any, error) {
	if len(spec.Output) > 0 {
		return expr.RenderMap(spec.Output, finalCtx)
	}

	out := make(map[string]any, len(finalCtx))
	for k, v := range finalCtx {
		if reservedContextKeys[k] {
			continue
		}
		out[k] = v
	}
	return out, nil
}

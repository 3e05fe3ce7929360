package engine

import (
	"context"
	"sort"

	"github.com/millrace/mill/internal/db"
	"github.com/millrace/mill/internal/dsl"
	"github.com/millrace/mill/internal/errors"
	"github.com/millrace/mill/internal/expr"
)

// Controller computes the next commands for one workflow execution. The two
// implementations correspond to the workflow types: direct (forward
// transitions) and reverse (backward dependency resolution).
type Controller interface {
	// ContinueWorkflow returns the ordered commands to run next, given the
	// persisted state of the execution graph.
	ContinueWorkflow(ctx context.Context) ([]Command, error)
	// AllErrorsHandled reports whether every ERROR task took a matching
	// on-error transition.
	AllErrorsHandled(ctx context.Context) (bool, error)
	// MayComplete reports whether no task is still in flight and no further
	// commands are pending.
	MayComplete(ctx context.Context) (bool, error)
	// EvaluateFinalContext builds the workflow's final context from the
	// published variables of successful tasks.
	EvaluateFinalContext(ctx context.Context) (map[string]any, error)
}

// newController selects a controller by workflow type.
func newController(store *db.Store, wfEx *db.WorkflowExecution) (Controller, error) {
	spec, err := dsl.ParseWorkflowSpec(wfEx.Spec)
	if err != nil {
		return nil, err
	}

	base := controllerBase{store: store, wfEx: wfEx, spec: spec}

	switch spec.Type {
	case dsl.TypeDirect, "":
		return &directController{controllerBase: base}, nil
	case dsl.TypeReverse:
		return &reverseController{controllerBase: base}, nil
	default:
		return nil, errors.DSLParse("unknown workflow type %q", spec.Type)
	}
}

// controllerBase carries state shared by both controller flavours.
type controllerBase struct {
	store *db.Store
	wfEx  *db.WorkflowExecution
	spec  *dsl.WorkflowSpec
}

func (c *controllerBase) tasks(ctx context.Context) ([]*db.TaskExecution, error) {
	return c.store.ListTaskExecutions(ctx, db.TaskExecutionFilter{
		WorkflowExecutionID: c.wfEx.ID,
	})
}

// taskByName indexes the latest execution row per task name.
func taskByName(tasks []*db.TaskExecution) map[string]*db.TaskExecution {
	byName := make(map[string]*db.TaskExecution, len(tasks))
	for _, t := range tasks {
		prev, ok := byName[t.Name]
		if !ok || t.CreatedAt.After(prev.CreatedAt) {
			byName[t.Name] = t
		}
	}
	return byName
}

// outboundContext loads a task's accepted result and composes the context
// visible to its outbound transitions.
func (c *controllerBase) outboundContext(ctx context.Context, taskEx *db.TaskExecution) (map[string]any, error) {
	spec, ok := c.spec.Tasks[taskEx.Name]
	if !ok {
		return nil, errors.InvalidState("task %q not in workflow spec", taskEx.Name)
	}

	actions, err := c.store.ListActionExecutions(ctx, db.ActionExecutionFilter{
		TaskExecutionID: taskEx.ID,
	})
	if err != nil {
		return nil, err
	}

	result, hasResult := taskResult(actions, len(spec.WithItems) > 0)
	return taskOutboundContext(taskEx, result, hasResult), nil
}

// EvaluateFinalContext is shared by both flavours.
func (c *controllerBase) EvaluateFinalContext(ctx context.Context) (map[string]any, error) {
	tasks, err := c.tasks(ctx)
	if err != nil {
		return nil, err
	}
	return finalWorkflowContext(c.wfEx.Context, tasks), nil
}

// sortCommands orders commands reproducibly: state changes first, then run
// commands by task name.
func sortCommands(cmds []Command) {
	sort.SliceStable(cmds, func(i, j int) bool {
		return commandRank(cmds[i]) < commandRank(cmds[j])
	})
}

func commandRank(c Command) string {
	switch cmd := c.(type) {
	case *SetWorkflowState:
		return "0:" + string(cmd.State)
	case *RunTask:
		return "1:" + cmd.TaskSpec.Name
	case *RunExistingTask:
		return "1:" + cmd.TaskExID
	default:
		return "2:"
	}
}

// evaluateGuard checks a transition condition against a task's outbound
// context. An empty condition always passes.
func evaluateGuard(cond string, evalCtx map[string]any) (bool, error) {
	return expr.EvaluateBool(cond, evalCtx)
}

package engine

import (
	"context"
	"sort"

	"github.com/millrace/mill/internal/errors"
)

// reverseController solves the dependency graph backward from a target task
// named in the start params. Tasks declare prerequisites via "requires".
type reverseController struct {
	controllerBase
}

// targetTask reads the requested target from the start params.
func (c *reverseController) targetTask() (string, error) {
	name, _ := c.wfEx.Params["task_name"].(string)
	if name == "" {
		return "", errors.InputInvalid(
			"reverse workflow %q requires params.task_name", c.spec.Name)
	}
	if _, ok := c.spec.Tasks[name]; !ok {
		return "", errors.InputInvalid(
			"target task %q not found in workflow %q", name, c.spec.Name)
	}
	return name, nil
}

// closure collects the target task and its transitive prerequisites.
func (c *reverseController) closure() (map[string]bool, error) {
	target, err := c.targetTask()
	if err != nil {
		return nil, err
	}

	needed := make(map[string]bool)
	stack := []string{target}

	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if needed[name] {
			continue
		}
		needed[name] = true

		spec, ok := c.spec.Tasks[name]
		if !ok {
			return nil, errors.DSLParse("task %q requires unknown task", name)
		}
		stack = append(stack, spec.Requires...)
	}

	return needed, nil
}

// ContinueWorkflow runs every needed task whose prerequisites all succeeded.
func (c *reverseController) ContinueWorkflow(ctx context.Context) ([]Command, error) {
	if State(c.wfEx.State) == StatePaused || IsTerminal(State(c.wfEx.State)) {
		return nil, nil
	}

	needed, err := c.closure()
	if err != nil {
		return nil, err
	}

	tasks, err := c.tasks(ctx)
	if err != nil {
		return nil, err
	}
	byName := taskByName(tasks)

	// A failed prerequisite makes the remaining graph unreachable.
	for name := range needed {
		if te, ok := byName[name]; ok && State(te.State) == StateError {
			return []Command{failWorkflow("task '" + name + "' failed")}, nil
		}
	}

	names := make([]string, 0, len(needed))
	for name := range needed {
		names = append(names, name)
	}
	sort.Strings(names)

	var cmds []Command

	for _, name := range names {
		if _, started := byName[name]; started {
			continue
		}

		spec := c.spec.Tasks[name]
		ready := true
		contexts := []map[string]any{c.wfEx.Context}

		for _, dep := range spec.Requires {
			depEx, ok := byName[dep]
			if !ok || State(depEx.State) != StateSuccess {
				ready = false
				break
			}
			outCtx, err := c.outboundContext(ctx, depEx)
			if err != nil {
				return nil, err
			}
			contexts = append(contexts, outCtx)
		}

		if ready {
			cmds = append(cmds, &RunTask{TaskSpec: spec, Context: mergeContexts(contexts)})
		}
	}

	sortCommands(cmds)
	return cmds, nil
}

// AllErrorsHandled is false as soon as any task failed: reverse workflows
// have no on-error transitions.
func (c *reverseController) AllErrorsHandled(ctx context.Context) (bool, error) {
	tasks, err := c.tasks(ctx)
	if err != nil {
		return false, err
	}
	for _, taskEx := range taskByName(tasks) {
		if State(taskEx.State) == StateError {
			return false, nil
		}
	}
	return true, nil
}

// MayComplete reports whether the target task reached a terminal state.
func (c *reverseController) MayComplete(ctx context.Context) (bool, error) {
	target, err := c.targetTask()
	if err != nil {
		return false, err
	}

	tasks, err := c.tasks(ctx)
	if err != nil {
		return false, err
	}

	for _, taskEx := range tasks {
		if !IsTerminal(State(taskEx.State)) {
			return false, nil
		}
	}

	te, ok := taskByName(tasks)[target]
	return ok && IsTerminal(State(te.State)) && te.Processed, nil
}

package engine

import (
	"context"
	"sort"

	"github.com/millrace/mill/internal/db"
	"github.com/millrace/mill/internal/dsl"
)

// directController advances workflows with explicit on-success, on-error and
// on-complete transitions.
type directController struct {
	controllerBase
}

// ContinueWorkflow computes commands from tasks that completed since the
// last pass.
func (c *directController) ContinueWorkflow(ctx context.Context) ([]Command, error) {
	if State(c.wfEx.State) == StatePaused || IsTerminal(State(c.wfEx.State)) {
		return nil, nil
	}

	tasks, err := c.tasks(ctx)
	if err != nil {
		return nil, err
	}

	if len(tasks) == 0 {
		return c.startCommands()
	}

	return c.advanceCommands(ctx, tasks)
}

// startCommands emits RunTask for every entry task: a task that no
// transition targets and that is not a join.
func (c *directController) startCommands() ([]Command, error) {
	targeted := make(map[string]bool)
	for _, t := range c.spec.Tasks {
		for _, tr := range allTransitions(t) {
			targeted[tr.Name] = true
		}
	}

	var cmds []Command
	for name, t := range c.spec.Tasks {
		if targeted[name] || t.HasJoin() {
			continue
		}
		cmds = append(cmds, &RunTask{TaskSpec: t, Context: c.wfEx.Context})
	}

	sortCommands(cmds)
	return cmds, nil
}

// advanceCommands evaluates the outbound transitions of every completed,
// unprocessed task.
func (c *directController) advanceCommands(ctx context.Context, tasks []*db.TaskExecution) ([]Command, error) {
	var cmds []Command

	// target name → triggerings of this pass, one per fired transition
	type triggering struct {
		srcExID string
		ctx     map[string]any
	}
	triggered := make(map[string][]triggering)

	for _, taskEx := range tasks {
		if taskEx.Processed || !IsTerminal(State(taskEx.State)) {
			continue
		}

		spec, ok := c.spec.Tasks[taskEx.Name]
		if !ok {
			continue
		}

		outCtx, err := c.outboundContext(ctx, taskEx)
		if err != nil {
			return nil, err
		}

		for _, tr := range matchingTransitions(spec, State(taskEx.State)) {
			pass, err := evaluateGuard(tr.Condition, outCtx)
			if err != nil {
				return nil, err
			}
			if !pass {
				continue
			}

			if cmd, ok := commandForReservedTarget(tr.Name); ok {
				cmds = append(cmds, cmd)
				continue
			}

			triggered[tr.Name] = append(triggered[tr.Name], triggering{
				srcExID: taskEx.ID,
				ctx:     outCtx,
			})
		}
	}

	byName := taskByName(tasks)

	targets := make([]string, 0, len(triggered))
	for name := range triggered {
		targets = append(targets, name)
	}
	sort.Strings(targets)

	for _, name := range targets {
		spec, ok := c.spec.Tasks[name]
		if !ok {
			continue
		}

		if spec.HasJoin() {
			// A join is keyed by name; once started it is never restarted.
			if existing, ok := byName[name]; ok && State(existing.State) != StateWaiting {
				continue
			}
			cmd, err := c.joinCommand(ctx, spec, tasks)
			if err != nil {
				return nil, err
			}
			if cmd != nil {
				cmds = append(cmds, cmd)
			}
			continue
		}

		// A plain task runs once per inbound triggering, each with the
		// triggering transition's own context.
		for _, tg := range triggered[name] {
			cmds = append(cmds, &RunTask{
				TaskSpec:    spec,
				Context:     tg.ctx,
				TriggeredBy: tg.srcExID,
			})
		}
	}

	sortCommands(cmds)
	return cmds, nil
}

// joinCommand decides whether a join target may run. When the join is unmet
// a WAITING placeholder command is emitted instead.
func (c *directController) joinCommand(ctx context.Context, spec *dsl.TaskSpec, tasks []*db.TaskExecution) (Command, error) {
	join, err := dsl.ParseJoin(spec.Join)
	if err != nil {
		return nil, err
	}

	inbound := c.inboundTasks(spec.Name)
	byName := taskByName(tasks)

	var contexts []map[string]any
	fired := 0

	for _, src := range inbound {
		taskEx, ok := byName[src.Name]
		if !ok || !IsTerminal(State(taskEx.State)) {
			continue
		}

		outCtx, err := c.outboundContext(ctx, taskEx)
		if err != nil {
			return nil, err
		}

		for _, tr := range matchingTransitions(src, State(taskEx.State)) {
			if tr.Name != spec.Name {
				continue
			}
			pass, err := evaluateGuard(tr.Condition, outCtx)
			if err != nil {
				return nil, err
			}
			if pass {
				fired++
				contexts = append(contexts, outCtx)
				break
			}
		}
	}

	required := 1
	switch {
	case join.All:
		required = len(inbound)
	case join.Count > 0:
		required = join.Count
	}

	if fired >= required {
		return &RunTask{TaskSpec: spec, Context: mergeContexts(contexts)}, nil
	}

	return &RunTask{TaskSpec: spec, Context: mergeContexts(contexts), Wait: true}, nil
}

// inboundTasks lists the task specs with a transition targeting name,
// ordered by task name for deterministic context merging.
func (c *directController) inboundTasks(name string) []*dsl.TaskSpec {
	var in []*dsl.TaskSpec
	for _, t := range c.spec.Tasks {
		for _, tr := range allTransitions(t) {
			if tr.Name == name {
				in = append(in, t)
				break
			}
		}
	}
	sort.Slice(in, func(i, j int) bool { return in[i].Name < in[j].Name })
	return in
}

// AllErrorsHandled reports whether every ERROR task has an on-error
// transition whose guard passed.
func (c *directController) AllErrorsHandled(ctx context.Context) (bool, error) {
	tasks, err := c.tasks(ctx)
	if err != nil {
		return false, err
	}

	for _, taskEx := range taskByName(tasks) {
		if State(taskEx.State) != StateError {
			continue
		}

		handled, err := c.isErrorHandledFor(ctx, taskEx)
		if err != nil {
			return false, err
		}
		if !handled {
			return false, nil
		}
	}

	return true, nil
}

func (c *directController) isErrorHandledFor(ctx context.Context, taskEx *db.TaskExecution) (bool, error) {
	spec, ok := c.spec.Tasks[taskEx.Name]
	if !ok || len(spec.OnError) == 0 {
		return false, nil
	}

	outCtx, err := c.outboundContext(ctx, taskEx)
	if err != nil {
		return false, err
	}

	for _, tr := range spec.OnError {
		pass, err := evaluateGuard(tr.Condition, outCtx)
		if err != nil {
			return false, err
		}
		if pass {
			return true, nil
		}
	}

	return false, nil
}

// MayComplete reports whether every task reached a terminal state (WAITING
// placeholders whose join can no longer fire do not block completion) and
// all completions have been processed.
func (c *directController) MayComplete(ctx context.Context) (bool, error) {
	tasks, err := c.tasks(ctx)
	if err != nil {
		return false, err
	}

	if len(tasks) == 0 {
		return false, nil
	}

	for _, taskEx := range tasks {
		st := State(taskEx.State)
		if st == StateWaiting {
			continue
		}
		if !IsTerminal(st) {
			return false, nil
		}
		if !taskEx.Processed {
			return false, nil
		}
	}

	return true, nil
}

// matchingTransitions returns the clauses applicable to a terminal state:
// on-complete always, plus on-success or on-error.
func matchingTransitions(spec *dsl.TaskSpec, state State) []dsl.Transition {
	out := make([]dsl.Transition, 0, len(spec.OnComplete)+len(spec.OnSuccess)+len(spec.OnError))
	out = append(out, spec.OnComplete...)

	switch state {
	case StateSuccess:
		out = append(out, spec.OnSuccess...)
	case StateError:
		out = append(out, spec.OnError...)
	}

	return out
}

func allTransitions(spec *dsl.TaskSpec) []dsl.Transition {
	out := make([]dsl.Transition, 0, len(spec.OnComplete)+len(spec.OnSuccess)+len(spec.OnError))
	out = append(out, spec.OnComplete...)
	out = append(out, spec.OnSuccess...)
	out = append(out, spec.OnError...)
	return out
}

// mergeContexts shallow-merges trigger contexts; later entries win.
func mergeContexts(contexts []map[string]any) map[string]any {
	if len(contexts) == 1 {
		return contexts[0]
	}
	out := make(map[string]any)
	for _, c := range contexts {
		for k, v := range c {
			out[k] = v
		}
	}
	return out
}

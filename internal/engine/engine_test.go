package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millrace/mill/internal/authctx"
	"github.com/millrace/mill/internal/db"
	"github.com/millrace/mill/internal/dsl"
	"github.com/millrace/mill/internal/errors"
	"github.com/millrace/mill/internal/events"
	"github.com/millrace/mill/internal/executor"
)

const testProject = "p1"

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *db.Store, context.Context) {
	t.Helper()

	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := authctx.With(context.Background(), &authctx.Context{
		UserID:    "u1",
		ProjectID: testProject,
	})

	return New(store, opts...), store, ctx
}

func defineWorkflows(t *testing.T, store *db.Store, yamlText string) {
	t.Helper()

	wb, err := dsl.Parse([]byte(yamlText))
	require.NoError(t, err)

	for name, wf := range wb.Workflows {
		spec, err := dsl.MarshalSpec(wf)
		require.NoError(t, err)
		require.NoError(t, store.CreateWorkflowDefinition(context.Background(), &db.WorkflowDefinition{
			Name:       name,
			ProjectID:  testProject,
			Definition: yamlText,
			Spec:       spec,
		}))
	}
}

func taskByNameOrFail(t *testing.T, store *db.Store, wfExID, name string) *db.TaskExecution {
	t.Helper()
	taskEx, err := store.GetTaskExecutionByName(context.Background(), wfExID, name)
	require.NoError(t, err)
	return taskEx
}

func TestLinearWorkflowDataFlow(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  input:
    - name
  output:
    result: "<% $.hi %>, <% $.to %>! Your <% $.name %>."
  tasks:
    task1:
      action: std.echo
      input:
        output: Hi
      publish:
        hi: "<% $.task1 %>"
      on-success:
        - task2
    task2:
      action: std.echo
      input:
        output: Morpheus
      publish:
        to: "<% $.task2 %>"
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", map[string]any{"name": "Neo"}, "", nil)
	require.NoError(t, err)

	assert.Equal(t, string(StateSuccess), wfEx.State)
	assert.True(t, wfEx.Accepted)
	assert.Equal(t, "Hi, Morpheus! Your Neo.", wfEx.Output["result"])

	task1 := taskByNameOrFail(t, store, wfEx.ID, "task1")
	assert.Equal(t, string(StateSuccess), task1.State)
	assert.True(t, task1.Processed)
	assert.Equal(t, map[string]any{"hi": "Hi"}, task1.Published)
}

func TestWorkflowInputValidation(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  input:
    - name
    - greeting: Hello
  tasks:
    task1:
      action: std.echo
      input:
        output: "<% $.greeting %>, <% $.name %>"
`)

	_, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInputInvalid))

	_, err = eng.StartWorkflow(ctx, "wf", map[string]any{"name": "Neo", "bogus": 1}, "", nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInputInvalid))

	wfEx, err := eng.StartWorkflow(ctx, "wf", map[string]any{"name": "Neo"}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, string(StateSuccess), wfEx.State)
	assert.Equal(t, "Hello, Neo", wfEx.Output["task1"])
}

func TestGuardedTransitions(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  input:
    - value
  tasks:
    classify:
      action: std.echo
      input:
        output: "<% $.value %>"
      on-success:
        - big: "<% $.classify > 3 %>"
        - small: "<% $.classify <= 3 %>"
    big:
      action: std.echo
      input:
        output: big
      publish:
        verdict: big
    small:
      action: std.echo
      input:
        output: small
      publish:
        verdict: small
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", map[string]any{"value": 5}, "", nil)
	require.NoError(t, err)

	assert.Equal(t, string(StateSuccess), wfEx.State)
	assert.Equal(t, "big", wfEx.Output["verdict"])

	// The unselected branch never ran.
	_, err = store.GetTaskExecutionByName(ctx, wfEx.ID, "small")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestJoinAllWaitsForAllBranches(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    left:
      action: std.echo
      input:
        output: L
      publish:
        l: "<% $.left %>"
      on-success:
        - merge
    right:
      action: std.echo
      input:
        output: R
      publish:
        r: "<% $.right %>"
      on-success:
        - merge
    merge:
      join: all
      action: std.echo
      input:
        output: "<% $.l %><% $.r %>"
      publish:
        merged: "<% $.merge %>"
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)

	assert.Equal(t, string(StateSuccess), wfEx.State)
	assert.Equal(t, "LR", wfEx.Output["merged"])

	// The join target ran exactly once.
	merges, err := store.ListTaskExecutions(ctx, db.TaskExecutionFilter{
		WorkflowExecutionID: wfEx.ID,
		Name:                "merge",
	})
	require.NoError(t, err)
	assert.Len(t, merges, 1)
}

func TestWithItemsEmptyListCompletesImmediately(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  input:
    - vms
  tasks:
    create:
      with-items: vm in <% $.vms %>
      action: std.echo
      input:
        output: "<% $.vm %>"
      publish:
        results: "<% $.create %>"
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", map[string]any{"vms": []any{}}, "", nil)
	require.NoError(t, err)

	assert.Equal(t, string(StateSuccess), wfEx.State)
	assert.Equal(t, []any{}, wfEx.Output["results"])

	create := taskByNameOrFail(t, store, wfEx.ID, "create")
	assert.Equal(t, string(StateSuccess), create.State)
}

func TestWithItemsResultsOrderedByIndex(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  input:
    - vms
  tasks:
    create:
      with-items: vm in <% $.vms %>
      action: std.echo
      input:
        output: "<% $.vm %>"
      publish:
        results: "<% $.create %>"
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", map[string]any{
		"vms": []any{"a", "b", "c"},
	}, "", nil)
	require.NoError(t, err)

	assert.Equal(t, string(StateSuccess), wfEx.State)
	assert.Equal(t, []any{"a", "b", "c"}, wfEx.Output["results"])

	create := taskByNameOrFail(t, store, wfEx.ID, "create")
	actions, err := store.ListActionExecutions(ctx, db.ActionExecutionFilter{
		TaskExecutionID: create.ID,
	})
	require.NoError(t, err)
	assert.Len(t, actions, 3)
}

func TestHandledErrorYieldsSuccess(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    flaky:
      action: std.fail
      publish:
        var13: never
      on-error:
        - recover
    recover:
      action: std.echo
      input:
        output: recovered
      publish:
        var14: "<% $.recover %>"
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)

	assert.Equal(t, string(StateSuccess), wfEx.State)

	// Publish runs only on success: the failed task's variable is absent.
	_, ok := wfEx.Output["var13"]
	assert.False(t, ok)
	assert.Equal(t, "recovered", wfEx.Output["var14"])
}

func TestHandledErrorViaNoop(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    flaky:
      action: std.fail
      on-error:
        - noop
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, string(StateSuccess), wfEx.State)

	flaky := taskByNameOrFail(t, store, wfEx.ID, "flaky")
	assert.Equal(t, string(StateError), flaky.State)
	assert.True(t, flaky.Processed)
}

func TestUnhandledErrorFailsWorkflow(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    boom:
      action: std.fail
      input:
        error_data: it broke
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)

	assert.Equal(t, string(StateError), wfEx.State)
	assert.True(t, wfEx.Accepted)
	assert.Contains(t, wfEx.StateInfo, "boom")
}

func TestExplicitFailTarget(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    check:
      action: std.echo
      input:
        output: bad
      on-success:
        - fail: "<% $.check == 'bad' %>"
        - done: "<% $.check != 'bad' %>"
    done:
      action: std.noop
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, string(StateError), wfEx.State)
}

func TestRetryPolicyExhaustsAttempts(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    flaky:
      action: std.fail
      retry:
        count: 2
        delay: 0
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, string(StateError), wfEx.State)

	flaky := taskByNameOrFail(t, store, wfEx.ID, "flaky")
	assert.Equal(t, string(StateError), flaky.State)
	assert.Equal(t, 2.0, toFloat(t, flaky.RuntimeContext[rtRetry]))

	// One initial attempt plus two retries.
	actions, err := store.ListActionExecutions(ctx, db.ActionExecutionFilter{
		TaskExecutionID: flaky.ID,
	})
	require.NoError(t, err)
	assert.Len(t, actions, 3)
}

func toFloat(t *testing.T, v any) float64 {
	t.Helper()
	m, ok := v.(map[string]any)
	require.True(t, ok, "expected retry runtime state, got %T", v)
	n, ok := m["retry_no"].(float64)
	require.True(t, ok, "expected numeric retry_no, got %T", m["retry_no"])
	return n
}

func TestPauseBeforeAndResume(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    task1:
      action: std.echo
      input:
        output: one
      on-success:
        - task2
    task2:
      pause-before: true
      action: std.echo
      input:
        output: two
      publish:
        done: "<% $.task2 %>"
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, string(StatePaused), wfEx.State)

	task2 := taskByNameOrFail(t, store, wfEx.ID, "task2")
	assert.Equal(t, string(StateIdle), task2.State)

	wfEx, err = eng.ResumeWorkflow(ctx, wfEx.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StateSuccess), wfEx.State)
	assert.Equal(t, "two", wfEx.Output["done"])
}

func TestWaitBeforeParksTaskOnDelayedCall(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    slow:
      wait-before: 30
      action: std.echo
      input:
        output: finally
      publish:
        out: "<% $.slow %>"
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, string(StateRunning), wfEx.State)

	slow := taskByNameOrFail(t, store, wfEx.ID, "slow")
	assert.Equal(t, string(StateRunningDelayed), slow.State)

	calls, err := store.GetDelayedCallsToStart(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, methodRunTask, calls[0].TargetMethodName)

	// Dispatch the due call the way the scheduler would.
	require.NoError(t, eng.DispatchDelayedCall(ctx, calls[0]))

	wfEx, err = store.GetWorkflowExecution(ctx, wfEx.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StateSuccess), wfEx.State)
	assert.Equal(t, "finally", wfEx.Output["out"])
}

func TestStopWorkflow(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    slow:
      wait-before: 3600
      action: std.noop
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)
	require.Equal(t, string(StateRunning), wfEx.State)

	wfEx, err = eng.StopWorkflow(ctx, wfEx.ID, StateError, "cancelled by operator")
	require.NoError(t, err)
	assert.Equal(t, string(StateError), wfEx.State)
	assert.Equal(t, "cancelled by operator", wfEx.StateInfo)
	assert.True(t, wfEx.Accepted)

	_, err = eng.StopWorkflow(ctx, wfEx.ID, StatePaused, "")
	assert.True(t, errors.HasCode(err, errors.CodeInputInvalid))
}

func TestSubWorkflowResultFlowsToParent(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

sub:
  input:
    - name
  output:
    greeting: "Hello, <% $.name %>!"
  tasks:
    t1:
      action: std.noop

wf:
  tasks:
    call:
      workflow: sub
      input:
        name: Neo
      publish:
        res: "<% $.call %>"
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, string(StateSuccess), wfEx.State)

	res, ok := wfEx.Output["res"].(map[string]any)
	require.True(t, ok, "expected sub-workflow output map, got %T", wfEx.Output["res"])
	assert.Equal(t, "Hello, Neo!", res["greeting"])

	// The child execution is linked to the parent task.
	subs, err := store.ListWorkflowExecutions(ctx, db.WorkflowExecutionFilter{
		ProjectID:    testProject,
		WorkflowName: "sub",
	}, db.Pagination{})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.NotNil(t, subs[0].TaskExecutionID)
	assert.Equal(t, string(StateSuccess), subs[0].State)
}

func TestSubWorkflowFailurePropagates(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

sub:
  tasks:
    t1:
      action: std.fail

wf:
  tasks:
    call:
      workflow: sub
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, string(StateError), wfEx.State)

	call := taskByNameOrFail(t, store, wfEx.ID, "call")
	assert.Equal(t, string(StateError), call.State)
}

func TestReverseWorkflowResolvesDependencies(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

rev:
  type: reverse
  tasks:
    base:
      action: std.echo
      input:
        output: b
      publish:
        base_out: "<% $.base %>"
    final:
      requires:
        - base
      action: std.echo
      input:
        output: "<% $.base_out %>-f"
      publish:
        final_out: "<% $.final %>"
`)

	wfEx, err := eng.StartWorkflow(ctx, "rev", nil, "", map[string]any{"task_name": "final"})
	require.NoError(t, err)

	assert.Equal(t, string(StateSuccess), wfEx.State)
	assert.Equal(t, "b-f", wfEx.Output["final_out"])
}

func TestReverseWorkflowFailedPrerequisite(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

rev:
  type: reverse
  tasks:
    base:
      action: std.fail
    final:
      requires:
        - base
      action: std.noop
`)

	wfEx, err := eng.StartWorkflow(ctx, "rev", nil, "", map[string]any{"task_name": "final"})
	require.NoError(t, err)
	assert.Equal(t, string(StateError), wfEx.State)

	// The dependent task never started.
	_, err = store.GetTaskExecutionByName(ctx, wfEx.ID, "final")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestEnvironmentVariablesInContext(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    greet:
      action: std.echo
      input:
        output: "<% env().greeting %>"
      publish:
        said: "<% $.greet %>"
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", map[string]any{
		"env": map[string]any{"greeting": "yo"},
	})
	require.NoError(t, err)

	assert.Equal(t, string(StateSuccess), wfEx.State)
	assert.Equal(t, "yo", wfEx.Output["said"])
}

func TestStoredEnvironmentByName(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	require.NoError(t, store.CreateEnvironment(ctx, &db.Environment{
		Name:      "staging",
		ProjectID: testProject,
		Variables: map[string]any{"greeting": "hei"},
	}))

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    greet:
      action: std.echo
      input:
        output: "<% env().greeting %>"
      publish:
        said: "<% $.greet %>"
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", map[string]any{"env": "staging"})
	require.NoError(t, err)
	assert.Equal(t, "hei", wfEx.Output["said"])
}

func TestOnActionCompleteIsIdempotent(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    task1:
      action: std.echo
      input:
        output: once
      publish:
        out: "<% $.task1 %>"
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)
	require.Equal(t, string(StateSuccess), wfEx.State)

	task1 := taskByNameOrFail(t, store, wfEx.ID, "task1")
	actions, err := store.ListActionExecutions(ctx, db.ActionExecutionFilter{
		TaskExecutionID: task1.ID,
	})
	require.NoError(t, err)
	require.Len(t, actions, 1)

	// A duplicate delivery with a different payload changes nothing.
	_, err = eng.OnActionComplete(ctx, actions[0].ID, executor.Result{Data: "twice"})
	require.NoError(t, err)

	wfEx, err = store.GetWorkflowExecution(ctx, wfEx.ID)
	require.NoError(t, err)
	assert.Equal(t, "once", wfEx.Output["out"])
}

func TestStandaloneAction(t *testing.T) {
	eng, _, ctx := newTestEngine(t)

	actionEx, err := eng.StartAction(ctx, "std.echo", map[string]any{"output": 7}, "", nil)
	require.NoError(t, err)

	assert.Equal(t, string(StateSuccess), actionEx.State)
	assert.True(t, actionEx.Accepted)
	assert.Equal(t, 7.0, actionEx.Output["result"])
}

func TestWorkflowStateEvents(t *testing.T) {
	pub := events.NewMemoryPublisher()
	defer pub.Close()

	eng, store, ctx := newTestEngine(t, WithPublisher(pub))
	ch := pub.Subscribe(events.GlobalExecutionID)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    task1:
      action: std.noop
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)
	require.Equal(t, string(StateSuccess), wfEx.State)

	var states []string
	deadline := time.After(2 * time.Second)
	for len(states) < 2 {
		select {
		case ev := <-ch:
			if ev.Type != events.EventWorkflowState {
				continue
			}
			sc, ok := ev.Data.(events.StateChange)
			require.True(t, ok)
			states = append(states, sc.NewState)
		case <-deadline:
			t.Fatal("timed out waiting for workflow state events")
		}
	}

	assert.Equal(t, []string{string(StateRunning), string(StateSuccess)}, states)
}

func TestPolicyValidationRejectsBadValues(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  input:
    - n
  tasks:
    task1:
      action: std.noop
      retry:
        count: <% $.n %>
`)

	// The count substitutes to a string, which the retry schema rejects;
	// the task fails instead of starting.
	wfEx, err := eng.StartWorkflow(ctx, "wf", map[string]any{"n": "three"}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, string(StateError), wfEx.State)

	taskEx := taskByNameOrFail(t, store, wfEx.ID, "task1")
	assert.Equal(t, string(StateError), taskEx.State)
	assert.Contains(t, taskEx.StateInfo, "retry")
}

func TestRerunTaskWithUpdatedEnv(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    fetch:
      action: std.echo
      input:
        output: <% env().cfg.port %>
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "",
		map[string]any{"env": map[string]any{"cfg": "broken"}})
	require.NoError(t, err)
	require.Equal(t, string(StateError), wfEx.State)

	taskEx := taskByNameOrFail(t, store, wfEx.ID, "fetch")
	require.Equal(t, string(StateError), taskEx.State)

	// A plain task must be rerun with reset=true.
	_, err = eng.RerunTask(ctx, taskEx.ID, false, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInputInvalid))

	taskEx, err = eng.RerunTask(ctx, taskEx.ID, true,
		map[string]any{"cfg": map[string]any{"port": 8080}})
	require.NoError(t, err)
	assert.Equal(t, string(StateSuccess), taskEx.State)

	wfEx, err = store.GetWorkflowExecution(ctx, wfEx.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StateSuccess), wfEx.State)
}

// manualExecutor records submissions without running them, so tests control
// exactly when and how each action completes.
type manualExecutor struct {
	reqs []executor.Request
}

func (m *manualExecutor) Submit(ctx context.Context, req executor.Request) error {
	m.reqs = append(m.reqs, req)
	return nil
}

func TestTaskRunsPerTriggeringTransition(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    task1:
      action: std.echo
      input:
        output: 1
      on-success:
        - notify
        - task2
    task2:
      action: std.echo
      input:
        output: 2
      on-success:
        - notify
        - task3
    task3:
      action: std.echo
      input:
        output: 3
      on-success:
        - notify
    notify:
      action: std.echo
      input:
        output: ping
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, string(StateSuccess), wfEx.State)

	// Each of the three inbound transitions ran its own notify execution.
	notifies, err := store.ListTaskExecutions(ctx, db.TaskExecutionFilter{
		WorkflowExecutionID: wfEx.ID,
		Name:                "notify",
	})
	require.NoError(t, err)
	require.Len(t, notifies, 3)
	for _, n := range notifies {
		assert.Equal(t, string(StateSuccess), n.State)
		assert.True(t, n.Processed)
	}
}

func TestPauseTransitionKeepsRemainingTargets(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    task1:
      action: std.echo
      input:
        output: one
      on-success:
        - pause
        - task2
    task2:
      action: std.echo
      input:
        output: two
      publish:
        done: "<% $.task2 %>"
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)
	require.Equal(t, string(StatePaused), wfEx.State)

	// The pause interrupted the pass before task2 could start.
	_, err = store.GetTaskExecutionByName(ctx, wfEx.ID, "task2")
	require.True(t, errors.HasCode(err, errors.CodeNotFound))

	// Resume replays the parked run command instead of dropping it.
	wfEx, err = eng.ResumeWorkflow(ctx, wfEx.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StateSuccess), wfEx.State)
	assert.Equal(t, "two", wfEx.Output["done"])

	task2 := taskByNameOrFail(t, store, wfEx.ID, "task2")
	assert.Equal(t, string(StateSuccess), task2.State)
}

func TestTimeoutPolicyFailsOverdueTask(t *testing.T) {
	m := &manualExecutor{}
	eng, store, ctx := newTestEngine(t, WithExecutor(m))

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    slow:
      timeout: 30
      action: std.echo
      input:
        output: x
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)
	require.Equal(t, string(StateRunning), wfEx.State)
	require.Len(t, m.reqs, 1)

	calls, err := store.GetDelayedCallsToStart(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, methodFailTaskIfIncomplete, calls[0].TargetMethodName)

	require.NoError(t, eng.DispatchDelayedCall(ctx, calls[0]))

	slow := taskByNameOrFail(t, store, wfEx.ID, "slow")
	assert.Equal(t, string(StateError), slow.State)
	assert.Equal(t, "Timeout", slow.StateInfo)

	wfEx, err = store.GetWorkflowExecution(ctx, wfEx.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StateError), wfEx.State)

	// A result arriving after the deadline is recorded but changes nothing.
	_, err = eng.OnActionComplete(ctx, m.reqs[0].ActionExID, executor.Result{Data: "x"})
	require.NoError(t, err)

	wfEx, err = store.GetWorkflowExecution(ctx, wfEx.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StateError), wfEx.State)
}

func TestWaitAfterDefersCompletion(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    slow:
      wait-after: 30
      action: std.echo
      input:
        output: done
      publish:
        out: "<% $.slow %>"
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)
	require.Equal(t, string(StateRunning), wfEx.State)

	slow := taskByNameOrFail(t, store, wfEx.ID, "slow")
	assert.Equal(t, string(StateRunningDelayed), slow.State)

	calls, err := store.GetDelayedCallsToStart(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, methodRefreshTaskState, calls[0].TargetMethodName)

	require.NoError(t, eng.DispatchDelayedCall(ctx, calls[0]))

	wfEx, err = store.GetWorkflowExecution(ctx, wfEx.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StateSuccess), wfEx.State)
	assert.Equal(t, "done", wfEx.Output["out"])
}

func TestWithItemsConcurrencyCapsInFlight(t *testing.T) {
	m := &manualExecutor{}
	eng, store, ctx := newTestEngine(t, WithExecutor(m))

	defineWorkflows(t, store, `
version: '2.0'

wf:
  input:
    - items
  tasks:
    fan:
      with-items: i in <% $.items %>
      concurrency: 2
      action: std.echo
      input:
        output: "<% $.i %>"
      publish:
        out: "<% $.fan %>"
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", map[string]any{
		"items": []any{"a", "b", "c", "d"},
	}, "", nil)
	require.NoError(t, err)
	require.Equal(t, string(StateRunning), wfEx.State)

	// Only the first two iterations are in flight.
	require.Len(t, m.reqs, 2)

	// Each completion frees one slot.
	_, err = eng.OnActionComplete(ctx, m.reqs[0].ActionExID, executor.Result{Data: "a"})
	require.NoError(t, err)
	require.Len(t, m.reqs, 3)

	_, err = eng.OnActionComplete(ctx, m.reqs[1].ActionExID, executor.Result{Data: "b"})
	require.NoError(t, err)
	require.Len(t, m.reqs, 4)

	_, err = eng.OnActionComplete(ctx, m.reqs[2].ActionExID, executor.Result{Data: "c"})
	require.NoError(t, err)
	_, err = eng.OnActionComplete(ctx, m.reqs[3].ActionExID, executor.Result{Data: "d"})
	require.NoError(t, err)

	wfEx, err = store.GetWorkflowExecution(ctx, wfEx.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StateSuccess), wfEx.State)
	assert.Equal(t, []any{"a", "b", "c", "d"}, wfEx.Output["out"])
}

func TestWithItemsRerunKeepsSucceededIterations(t *testing.T) {
	m := &manualExecutor{}
	eng, store, ctx := newTestEngine(t, WithExecutor(m))

	defineWorkflows(t, store, `
version: '2.0'

wf:
  input:
    - items
  tasks:
    fan:
      with-items: i in <% $.items %>
      action: std.echo
      input:
        output: "<% $.i %>"
      publish:
        out: "<% $.fan %>"
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", map[string]any{
		"items": []any{"a", "b", "c"},
	}, "", nil)
	require.NoError(t, err)
	require.Len(t, m.reqs, 3)

	_, err = eng.OnActionComplete(ctx, m.reqs[0].ActionExID, executor.Result{Data: "a"})
	require.NoError(t, err)
	_, err = eng.OnActionComplete(ctx, m.reqs[2].ActionExID, executor.Result{Data: "c"})
	require.NoError(t, err)
	_, err = eng.OnActionComplete(ctx, m.reqs[1].ActionExID, executor.Result{Err: "disk full"})
	require.NoError(t, err)

	fan := taskByNameOrFail(t, store, wfEx.ID, "fan")
	require.Equal(t, string(StateError), fan.State)

	wfEx, err = store.GetWorkflowExecution(ctx, wfEx.ID)
	require.NoError(t, err)
	require.Equal(t, string(StateError), wfEx.State)

	// Only the failed iteration runs again.
	_, err = eng.RerunTask(ctx, fan.ID, false, nil)
	require.NoError(t, err)
	require.Len(t, m.reqs, 4)

	_, err = eng.OnActionComplete(ctx, m.reqs[3].ActionExID, executor.Result{Data: "b"})
	require.NoError(t, err)

	wfEx, err = store.GetWorkflowExecution(ctx, wfEx.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StateSuccess), wfEx.State)

	// One entry per item, in index order, with no stale error payload.
	assert.Equal(t, []any{"a", "b", "c"}, wfEx.Output["out"])

	actions, err := store.ListActionExecutions(ctx, db.ActionExecutionFilter{
		TaskExecutionID: fan.ID,
	})
	require.NoError(t, err)
	assert.Len(t, actions, 4)

	acceptedCount := 0
	for _, a := range actions {
		if a.Accepted {
			acceptedCount++
		}
	}
	assert.Equal(t, 3, acceptedCount)
}

func TestRerunRequiresErrorStates(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	defineWorkflows(t, store, `
version: '2.0'

wf:
  tasks:
    task1:
      action: std.noop
`)

	wfEx, err := eng.StartWorkflow(ctx, "wf", nil, "", nil)
	require.NoError(t, err)
	require.Equal(t, string(StateSuccess), wfEx.State)

	taskEx := taskByNameOrFail(t, store, wfEx.ID, "task1")
	_, err = eng.RerunTask(ctx, taskEx.ID, true, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidState))
}

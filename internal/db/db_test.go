package db

import (
	"context"
	"testing"
	"time"

	"github.com/millrace/mill/internal/authctx"
	"github.com/millrace/mill/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestWorkflowDefinitionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &WorkflowDefinition{
		Name:       "wf",
		ProjectID:  "p1",
		Definition: "version: '2.0'\nwf:\n  tasks:\n    task1:\n      action: std.noop",
		Spec:       []byte(`{"name":"wf"}`),
		Tags:       []string{"demo"},
	}

	if err := s.CreateWorkflowDefinition(ctx, def); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetWorkflowDefinition(ctx, "p1", "wf")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "wf" || got.Scope != "private" {
		t.Errorf("unexpected definition: %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "demo" {
		t.Errorf("tags = %v, want [demo]", got.Tags)
	}

	// Same name in the same project is a duplicate.
	err = s.CreateWorkflowDefinition(ctx, &WorkflowDefinition{
		Name: "wf", ProjectID: "p1", Definition: "x", Spec: []byte(`{}`),
	})
	if !errors.HasCode(err, errors.CodeDBDuplicateEntry) {
		t.Errorf("duplicate create: got %v, want DB_DUPLICATE_ENTRY", err)
	}

	// Same name in another project is fine.
	if err := s.CreateWorkflowDefinition(ctx, &WorkflowDefinition{
		Name: "wf", ProjectID: "p2", Definition: "x", Spec: []byte(`{}`),
	}); err != nil {
		t.Errorf("create in other project: %v", err)
	}
}

func TestWorkflowDefinitionProjectIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	private := &WorkflowDefinition{
		Name: "private_wf", ProjectID: "p1", Definition: "x", Spec: []byte(`{}`),
	}
	if err := s.CreateWorkflowDefinition(ctx, private); err != nil {
		t.Fatalf("create private: %v", err)
	}

	public := &WorkflowDefinition{
		Name: "public_wf", ProjectID: "p1", Scope: "public",
		Definition: "x", Spec: []byte(`{}`),
	}
	if err := s.CreateWorkflowDefinition(ctx, public); err != nil {
		t.Fatalf("create public: %v", err)
	}

	if _, err := s.GetWorkflowDefinition(ctx, "p2", "private_wf"); !errors.HasCode(err, errors.CodeNotFound) {
		t.Errorf("private from other project: got %v, want NOT_FOUND", err)
	}

	if _, err := s.GetWorkflowDefinition(ctx, "p2", "public_wf"); err != nil {
		t.Errorf("public from other project: %v", err)
	}
}

func TestWorkflowExecutionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ex := &WorkflowExecution{
		WorkflowName: "wf",
		WorkflowID:   "wf-id",
		ProjectID:    "p1",
		Spec:         []byte(`{"name":"wf"}`),
		State:        "RUNNING",
		Input:        map[string]any{"name": "John"},
		Params:       map[string]any{"env": map[string]any{"from": "Bob"}},
		Context:      map[string]any{"name": "John", "__env": map[string]any{"from": "Bob"}},
	}

	if err := s.CreateWorkflowExecution(ctx, ex); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetWorkflowExecution(ctx, ex.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != "RUNNING" || got.Accepted {
		t.Errorf("state = %q accepted = %v", got.State, got.Accepted)
	}
	if got.Input["name"] != "John" {
		t.Errorf("input = %v", got.Input)
	}

	got.State = "SUCCESS"
	got.Accepted = true
	got.Output = map[string]any{"result": "ok"}
	if err := s.UpdateWorkflowExecution(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err = s.GetWorkflowExecution(ctx, ex.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.State != "SUCCESS" || !got.Accepted || got.Output["result"] != "ok" {
		t.Errorf("after update: %+v", got)
	}
}

func TestTaskExecutionFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &WorkflowExecution{
		WorkflowName: "wf", WorkflowID: "wf-id", ProjectID: "p1",
		Spec: []byte(`{}`), State: "RUNNING",
	}
	if err := s.CreateWorkflowExecution(ctx, wf); err != nil {
		t.Fatalf("create wf: %v", err)
	}

	mk := func(name, state string, processed bool) {
		t.Helper()
		err := s.CreateTaskExecution(ctx, &TaskExecution{
			Name: name, WorkflowExecutionID: wf.ID, WorkflowName: "wf",
			WorkflowID: "wf-id", ProjectID: "p1", Spec: []byte(`{}`),
			State: state, Processed: processed,
		})
		if err != nil {
			t.Fatalf("create task %s: %v", name, err)
		}
	}

	mk("task1", "SUCCESS", true)
	mk("task2", "SUCCESS", false)
	mk("task3", "RUNNING", false)

	unprocessed := false
	tasks, err := s.ListTaskExecutions(ctx, TaskExecutionFilter{
		WorkflowExecutionID: wf.ID,
		State:               "SUCCESS",
		Processed:           &unprocessed,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Name != "task2" {
		t.Errorf("filtered tasks = %v", taskNames(tasks))
	}

	all, err := s.ListTaskExecutions(ctx, TaskExecutionFilter{WorkflowExecutionID: wf.ID})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all tasks = %v", taskNames(all))
	}
}

func taskNames(tasks []*TaskExecution) []string {
	names := make([]string, len(tasks))
	for i, tk := range tasks {
		names[i] = tk.Name
	}
	return names
}

func TestWorkflowExecutionCascadeDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &WorkflowExecution{
		WorkflowName: "wf", WorkflowID: "wf-id", ProjectID: "p1",
		Spec: []byte(`{}`), State: "SUCCESS",
	}
	if err := s.CreateWorkflowExecution(ctx, wf); err != nil {
		t.Fatalf("create wf: %v", err)
	}

	task := &TaskExecution{
		Name: "task1", WorkflowExecutionID: wf.ID, WorkflowName: "wf",
		WorkflowID: "wf-id", ProjectID: "p1", Spec: []byte(`{}`), State: "SUCCESS",
	}
	if err := s.CreateTaskExecution(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	action := &ActionExecution{
		Name: "std.noop", TaskExecutionID: &task.ID, ProjectID: "p1", State: "SUCCESS",
	}
	if err := s.CreateActionExecution(ctx, action); err != nil {
		t.Fatalf("create action: %v", err)
	}

	if err := s.DeleteWorkflowExecution(ctx, wf.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.GetTaskExecution(ctx, task.ID); !errors.HasCode(err, errors.CodeNotFound) {
		t.Errorf("task after cascade: got %v, want NOT_FOUND", err)
	}
	if _, err := s.GetActionExecution(ctx, action.ID); !errors.HasCode(err, errors.CodeNotFound) {
		t.Errorf("action after cascade: got %v, want NOT_FOUND", err)
	}
}

func TestDelayedCallClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	call := &DelayedCall{
		TargetMethodName: "refresh_task_state",
		MethodArguments:  map[string]any{"task_ex_id": "t1"},
		AuthContext:      &authctx.Context{UserID: "u1", ProjectID: "p1"},
		ExecutionTime:    time.Now().Add(-time.Second),
	}
	if err := s.CreateDelayedCall(ctx, call); err != nil {
		t.Fatalf("create: %v", err)
	}

	due, err := s.GetDelayedCallsToStart(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}
	if due[0].AuthContext == nil || due[0].AuthContext.ProjectID != "p1" {
		t.Errorf("auth context = %+v", due[0].AuthContext)
	}

	won, err := s.ClaimDelayedCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !won {
		t.Fatal("first claim lost")
	}

	// A second claim must lose.
	won, err = s.ClaimDelayedCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if won {
		t.Fatal("second claim won")
	}

	// Claimed calls are not due anymore.
	due, err = s.GetDelayedCallsToStart(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("due after claim: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("due after claim = %d, want 0", len(due))
	}

	if err := s.DeleteDelayedCall(ctx, call.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestResetStaleDelayedCalls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	call := &DelayedCall{
		TargetMethodName: "run_task",
		ExecutionTime:    time.Now().Add(-time.Minute),
	}
	if err := s.CreateDelayedCall(ctx, call); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ClaimDelayedCall(ctx, call.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Nothing is stale yet.
	n, err := s.ResetStaleDelayedCalls(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 0 {
		t.Errorf("reset fresh = %d, want 0", n)
	}

	// With a future threshold the claim is considered abandoned.
	n, err = s.ResetStaleDelayedCalls(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("reset stale: %v", err)
	}
	if n != 1 {
		t.Errorf("reset stale = %d, want 1", n)
	}

	due, err := s.GetDelayedCallsToStart(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 {
		t.Errorf("due after reset = %d, want 1", len(due))
	}
}

func TestCronTriggerAdvanceAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().Add(-time.Minute).Truncate(time.Microsecond)
	trig := &CronTrigger{
		Name: "nightly", ProjectID: "p1", Pattern: "0 2 * * *",
		NextExecutionTime: next, WorkflowID: "wf-id", WorkflowName: "wf",
	}
	if err := s.CreateCronTrigger(ctx, trig); err != nil {
		t.Fatalf("create: %v", err)
	}

	expired, err := s.GetExpiredCronTriggers(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expired = %d, want 1", len(expired))
	}

	observed := expired[0].NextExecutionTime
	newNext := time.Now().Add(time.Hour)

	won, err := s.AdvanceCronTrigger(ctx, trig.ID, observed, newNext, nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !won {
		t.Fatal("first advance lost")
	}

	// A concurrent processor that observed the same old time must lose.
	won, err = s.AdvanceCronTrigger(ctx, trig.ID, observed, newNext, nil)
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if won {
		t.Fatal("second advance won")
	}
}

func TestCronTriggerDuplicateDefinition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(name string, input map[string]any) error {
		return s.CreateCronTrigger(ctx, &CronTrigger{
			Name: name, ProjectID: "p1", Pattern: "* * * * *",
			NextExecutionTime: time.Now().Add(time.Minute),
			WorkflowID:        "wf-id", WorkflowName: "wf",
			WorkflowInput:     input,
		})
	}

	if err := mk("t1", map[string]any{"a": 1}); err != nil {
		t.Fatalf("create t1: %v", err)
	}

	// Same workflow, input, params and pattern under a different name.
	err := mk("t2", map[string]any{"a": 1})
	if !errors.HasCode(err, errors.CodeDBDuplicateEntry) {
		t.Errorf("duplicate trigger: got %v, want DB_DUPLICATE_ENTRY", err)
	}

	// Different input is a different trigger.
	if err := mk("t3", map[string]any{"a": 2}); err != nil {
		t.Errorf("create t3: %v", err)
	}
}

func TestCronTriggerBlocksWorkflowDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &WorkflowDefinition{
		Name: "wf", ProjectID: "p1", Definition: "x", Spec: []byte(`{}`),
	}
	if err := s.CreateWorkflowDefinition(ctx, def); err != nil {
		t.Fatalf("create def: %v", err)
	}

	trig := &CronTrigger{
		Name: "t1", ProjectID: "p1", Pattern: "* * * * *",
		NextExecutionTime: time.Now().Add(time.Minute),
		WorkflowID:        def.ID, WorkflowName: "wf",
	}
	if err := s.CreateCronTrigger(ctx, trig); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	if err := s.DeleteWorkflowDefinition(ctx, "p1", "wf"); !errors.HasCode(err, errors.CodeInvalidState) {
		t.Errorf("delete referenced workflow: got %v, want INVALID_STATE", err)
	}

	if err := s.DeleteCronTrigger(ctx, trig.ID); err != nil {
		t.Fatalf("delete trigger: %v", err)
	}
	if err := s.DeleteWorkflowDefinition(ctx, "p1", "wf"); err != nil {
		t.Errorf("delete after trigger removed: %v", err)
	}
}

func TestEnvironmentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	env := &Environment{
		Name:      "test",
		ProjectID: "p1",
		Variables: map[string]any{"from": "Bob"},
	}
	if err := s.CreateEnvironment(ctx, env); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetEnvironment(ctx, "p1", "test")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Variables["from"] != "Bob" {
		t.Errorf("variables = %v", got.Variables)
	}
}

func TestFieldSizeLimit(t *testing.T) {
	s := newTestStore(t)
	s.opts.FieldSizeLimit = 64
	ctx := context.Background()

	big := make([]byte, 128)
	for i := range big {
		big[i] = 'x'
	}

	err := s.CreateWorkflowExecution(ctx, &WorkflowExecution{
		WorkflowName: "wf", WorkflowID: "wf-id", ProjectID: "p1",
		Spec: []byte(`{}`), State: "RUNNING",
		Input: map[string]any{"blob": string(big)},
	})
	if !errors.HasCode(err, errors.CodeSizeLimitExceeded) {
		t.Errorf("oversized input: got %v, want SIZE_LIMIT_EXCEEDED", err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sentinel := errors.InvalidState("boom")

	err := s.InTx(ctx, func(ctx context.Context) error {
		if err := s.CreateEnvironment(ctx, &Environment{Name: "e", ProjectID: "p1"}); err != nil {
			return err
		}
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("tx error = %v, want sentinel", err)
	}

	if _, err := s.GetEnvironment(ctx, "p1", "e"); !errors.HasCode(err, errors.CodeNotFound) {
		t.Errorf("after rollback: got %v, want NOT_FOUND", err)
	}
}

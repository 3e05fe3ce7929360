package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/millrace/mill/internal/errors"
)

// WorkflowExecution is one run of a workflow.
type WorkflowExecution struct {
	ID              string
	WorkflowName    string
	WorkflowID      string
	ProjectID       string
	Description     string
	Spec            json.RawMessage
	State           string
	StateInfo       string
	Input           map[string]any
	Output          map[string]any
	Params          map[string]any
	Context         map[string]any
	RuntimeContext  map[string]any
	Accepted        bool
	TaskExecutionID *string // set when this run is a sub-workflow of a task
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const wfExecutionColumns = `
	id, workflow_name, workflow_id, project_id, description, spec,
	state, state_info, input, output, params, context, runtime_context,
	accepted, task_execution_id, created_at, updated_at`

// CreateWorkflowExecution inserts a new workflow execution.
func (s *Store) CreateWorkflowExecution(ctx context.Context, ex *WorkflowExecution) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}

	now := time.Now()
	ex.CreatedAt = now
	ex.UpdatedAt = now

	fields, err := s.marshalExecutionFields(map[string]any{
		"input":           ex.Input,
		"output":          ex.Output,
		"params":          ex.Params,
		"context":         ex.Context,
		"runtime_context": ex.RuntimeContext,
	})
	if err != nil {
		return err
	}

	var taskExID sql.NullString
	if ex.TaskExecutionID != nil {
		taskExID = sql.NullString{String: *ex.TaskExecutionID, Valid: true}
	}

	_, err = s.exec(ctx, `
		INSERT INTO workflow_executions (`+wfExecutionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.WorkflowName, ex.WorkflowID, ex.ProjectID, nullString(ex.Description),
		string(ex.Spec), ex.State, nullString(s.truncateStateInfo(ex.StateInfo)),
		fields["input"], fields["output"], fields["params"], fields["context"],
		fields["runtime_context"], boolToInt(ex.Accepted), taskExID,
		formatTime(ex.CreatedAt), formatTime(ex.UpdatedAt),
	)

	return s.mapError(err, "workflow execution", ex.ID)
}

// GetWorkflowExecution loads a workflow execution by id.
func (s *Store) GetWorkflowExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	row := s.queryRow(ctx,
		"SELECT "+wfExecutionColumns+" FROM workflow_executions WHERE id = ?", id)

	ex, err := scanWorkflowExecution(row)
	if err != nil {
		return nil, s.mapError(err, "workflow execution", id)
	}
	return ex, nil
}

// UpdateWorkflowExecution persists mutable fields of a workflow execution.
func (s *Store) UpdateWorkflowExecution(ctx context.Context, ex *WorkflowExecution) error {
	ex.UpdatedAt = time.Now()

	fields, err := s.marshalExecutionFields(map[string]any{
		"output":          ex.Output,
		"context":         ex.Context,
		"runtime_context": ex.RuntimeContext,
	})
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, `
		UPDATE workflow_executions
		SET state = ?, state_info = ?, output = ?, context = ?,
		    runtime_context = ?, accepted = ?, updated_at = ?
		WHERE id = ?`,
		ex.State, nullString(s.truncateStateInfo(ex.StateInfo)),
		fields["output"], fields["context"], fields["runtime_context"],
		boolToInt(ex.Accepted), formatTime(ex.UpdatedAt), ex.ID,
	)
	if err != nil {
		return s.mapError(err, "workflow execution", ex.ID)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("workflow execution %q not found", ex.ID)
	}

	return nil
}

// DeleteWorkflowExecution removes an execution and, via cascade, its tasks
// and action executions.
func (s *Store) DeleteWorkflowExecution(ctx context.Context, id string) error {
	res, err := s.exec(ctx, "DELETE FROM workflow_executions WHERE id = ?", id)
	if err != nil {
		return s.mapError(err, "workflow execution", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("workflow execution %q not found", id)
	}
	return nil
}

// WorkflowExecutionFilter narrows ListWorkflowExecutions.
type WorkflowExecutionFilter struct {
	ProjectID    string
	State        string
	WorkflowName string
}

// ListWorkflowExecutions returns executions matching the filter.
func (s *Store) ListWorkflowExecutions(ctx context.Context, f WorkflowExecutionFilter, p Pagination) ([]*WorkflowExecution, error) {
	clause, err := p.orderLimitClause(map[string]bool{
		"workflow_name": true, "state": true, "created_at": true, "updated_at": true,
	})
	if err != nil {
		return nil, err
	}

	query := "SELECT " + wfExecutionColumns + " FROM workflow_executions WHERE 1=1"
	var args []any

	if f.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, f.ProjectID)
	}
	if f.State != "" {
		query += " AND state = ?"
		args = append(args, f.State)
	}
	if f.WorkflowName != "" {
		query += " AND workflow_name = ?"
		args = append(args, f.WorkflowName)
	}
	if p.Marker != "" {
		query += " AND id > ?"
		args = append(args, p.Marker)
	}

	rows, err := s.query(ctx, query+clause, args...)
	if err != nil {
		return nil, s.mapError(err, "workflow executions", f.ProjectID)
	}
	defer func() { _ = rows.Close() }()

	var out []*WorkflowExecution
	for rows.Next() {
		ex, err := scanWorkflowExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}

	return out, rows.Err()
}

func scanWorkflowExecution(row rowScanner) (*WorkflowExecution, error) {
	var (
		ex                                        WorkflowExecution
		descr, stateInfo, taskExID                sql.NullString
		input, output, params, ctxRaw, runtimeCtx sql.NullString
		spec                                      string
		accepted                                  int
		createdAt, updatedAt                      string
	)

	if err := row.Scan(
		&ex.ID, &ex.WorkflowName, &ex.WorkflowID, &ex.ProjectID, &descr, &spec,
		&ex.State, &stateInfo, &input, &output, &params, &ctxRaw, &runtimeCtx,
		&accepted, &taskExID, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	ex.Description = descr.String
	ex.StateInfo = stateInfo.String
	ex.Spec = json.RawMessage(spec)
	ex.Accepted = accepted != 0

	if taskExID.Valid {
		v := taskExID.String
		ex.TaskExecutionID = &v
	}

	var err error
	if ex.Input, err = unmarshalMap(input); err != nil {
		return nil, err
	}
	if ex.Output, err = unmarshalMap(output); err != nil {
		return nil, err
	}
	if ex.Params, err = unmarshalMap(params); err != nil {
		return nil, err
	}
	if ex.Context, err = unmarshalMap(ctxRaw); err != nil {
		return nil, err
	}
	if ex.RuntimeContext, err = unmarshalMap(runtimeCtx); err != nil {
		return nil, err
	}
	if ex.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ex.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &ex, nil
}

// TaskExecution is one task within a workflow execution.
type TaskExecution struct {
	ID                  string
	Name                string
	WorkflowExecutionID string
	WorkflowName        string
	WorkflowID          string
	ProjectID           string
	Spec                json.RawMessage
	ActionSpec          json.RawMessage
	State               string
	StateInfo           string
	InContext           map[string]any
	Published           map[string]any
	Processed           bool
	RuntimeContext      map[string]any
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

const taskExecutionColumns = `
	id, name, workflow_execution_id, workflow_name, workflow_id, project_id,
	spec, action_spec, state, state_info, in_context, published, processed,
	runtime_context, created_at, updated_at`

// CreateTaskExecution inserts a new task execution.
func (s *Store) CreateTaskExecution(ctx context.Context, t *TaskExecution) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	fields, err := s.marshalExecutionFields(map[string]any{
		"in_context":      t.InContext,
		"published":       t.Published,
		"runtime_context": t.RuntimeContext,
	})
	if err != nil {
		return err
	}

	var actionSpec sql.NullString
	if len(t.ActionSpec) > 0 {
		actionSpec = sql.NullString{String: string(t.ActionSpec), Valid: true}
	}

	_, err = s.exec(ctx, `
		INSERT INTO task_executions (`+taskExecutionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.WorkflowExecutionID, t.WorkflowName, t.WorkflowID, t.ProjectID,
		string(t.Spec), actionSpec, t.State, nullString(s.truncateStateInfo(t.StateInfo)),
		fields["in_context"], fields["published"], boolToInt(t.Processed),
		fields["runtime_context"], formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)

	return s.mapError(err, "task execution", t.Name)
}

// GetTaskExecution loads a task execution by id.
func (s *Store) GetTaskExecution(ctx context.Context, id string) (*TaskExecution, error) {
	row := s.queryRow(ctx,
		"SELECT "+taskExecutionColumns+" FROM task_executions WHERE id = ?", id)

	t, err := scanTaskExecution(row)
	if err != nil {
		return nil, s.mapError(err, "task execution", id)
	}
	return t, nil
}

// GetTaskExecutionByName loads the task named name within one workflow
// execution. With-items and rerun keep a single row per task name.
func (s *Store) GetTaskExecutionByName(ctx context.Context, wfExID, name string) (*TaskExecution, error) {
	row := s.queryRow(ctx, `
		SELECT `+taskExecutionColumns+`
		FROM task_executions
		WHERE workflow_execution_id = ? AND name = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		wfExID, name,
	)

	t, err := scanTaskExecution(row)
	if err != nil {
		return nil, s.mapError(err, "task execution", name)
	}
	return t, nil
}

// UpdateTaskExecution persists mutable fields of a task execution.
func (s *Store) UpdateTaskExecution(ctx context.Context, t *TaskExecution) error {
	t.UpdatedAt = time.Now()

	fields, err := s.marshalExecutionFields(map[string]any{
		"in_context":      t.InContext,
		"published":       t.Published,
		"runtime_context": t.RuntimeContext,
	})
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, `
		UPDATE task_executions
		SET state = ?, state_info = ?, in_context = ?, published = ?,
		    processed = ?, runtime_context = ?, updated_at = ?
		WHERE id = ?`,
		t.State, nullString(s.truncateStateInfo(t.StateInfo)),
		fields["in_context"], fields["published"], boolToInt(t.Processed),
		fields["runtime_context"], formatTime(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return s.mapError(err, "task execution", t.ID)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("task execution %q not found", t.ID)
	}

	return nil
}

// TaskExecutionFilter narrows ListTaskExecutions.
type TaskExecutionFilter struct {
	WorkflowExecutionID string
	State               string
	Name                string
	// Processed filters on the processed flag when set.
	Processed *bool
}

// ListTaskExecutions returns task executions matching the filter ordered by
// creation time.
func (s *Store) ListTaskExecutions(ctx context.Context, f TaskExecutionFilter) ([]*TaskExecution, error) {
	query := "SELECT " + taskExecutionColumns + " FROM task_executions WHERE 1=1"
	var args []any

	if f.WorkflowExecutionID != "" {
		query += " AND workflow_execution_id = ?"
		args = append(args, f.WorkflowExecutionID)
	}
	if f.State != "" {
		query += " AND state = ?"
		args = append(args, f.State)
	}
	if f.Name != "" {
		query += " AND name = ?"
		args = append(args, f.Name)
	}
	if f.Processed != nil {
		query += " AND processed = ?"
		args = append(args, boolToInt(*f.Processed))
	}

	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, s.mapError(err, "task executions", f.WorkflowExecutionID)
	}
	defer func() { _ = rows.Close() }()

	var out []*TaskExecution
	for rows.Next() {
		t, err := scanTaskExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}

	return out, rows.Err()
}

func scanTaskExecution(row rowScanner) (*TaskExecution, error) {
	var (
		t                                TaskExecution
		actionSpec, stateInfo            sql.NullString
		inContext, published, runtimeCtx sql.NullString
		spec                             string
		processed                        int
		createdAt, updatedAt             string
	)

	if err := row.Scan(
		&t.ID, &t.Name, &t.WorkflowExecutionID, &t.WorkflowName, &t.WorkflowID,
		&t.ProjectID, &spec, &actionSpec, &t.State, &stateInfo,
		&inContext, &published, &processed, &runtimeCtx, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	t.Spec = json.RawMessage(spec)
	if actionSpec.Valid {
		t.ActionSpec = json.RawMessage(actionSpec.String)
	}
	t.StateInfo = stateInfo.String
	t.Processed = processed != 0

	var err error
	if t.InContext, err = unmarshalMap(inContext); err != nil {
		return nil, err
	}
	if t.Published, err = unmarshalMap(published); err != nil {
		return nil, err
	}
	if t.RuntimeContext, err = unmarshalMap(runtimeCtx); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &t, nil
}

// ActionExecution is one invocation of an action. TaskExecutionID is nil for
// standalone ad-hoc invocations.
type ActionExecution struct {
	ID              string
	Name            string
	TaskExecutionID *string
	WorkflowName    string
	ProjectID       string
	Description     string
	State           string
	StateInfo       string
	Input           map[string]any
	Output          map[string]any
	RuntimeContext  map[string]any
	Accepted        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const actionExecutionColumns = `
	id, name, task_execution_id, workflow_name, project_id, description,
	state, state_info, input, output, runtime_context, accepted,
	created_at, updated_at`

// CreateActionExecution inserts a new action execution.
func (s *Store) CreateActionExecution(ctx context.Context, a *ActionExecution) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now

	fields, err := s.marshalExecutionFields(map[string]any{
		"input":           a.Input,
		"output":          a.Output,
		"runtime_context": a.RuntimeContext,
	})
	if err != nil {
		return err
	}

	var taskExID sql.NullString
	if a.TaskExecutionID != nil {
		taskExID = sql.NullString{String: *a.TaskExecutionID, Valid: true}
	}

	_, err = s.exec(ctx, `
		INSERT INTO action_executions (`+actionExecutionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, taskExID, nullString(a.WorkflowName), a.ProjectID,
		nullString(a.Description), a.State, nullString(s.truncateStateInfo(a.StateInfo)),
		fields["input"], fields["output"], fields["runtime_context"],
		boolToInt(a.Accepted), formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)

	return s.mapError(err, "action execution", a.Name)
}

// GetActionExecution loads an action execution by id.
func (s *Store) GetActionExecution(ctx context.Context, id string) (*ActionExecution, error) {
	row := s.queryRow(ctx,
		"SELECT "+actionExecutionColumns+" FROM action_executions WHERE id = ?", id)

	a, err := scanActionExecution(row)
	if err != nil {
		return nil, s.mapError(err, "action execution", id)
	}
	return a, nil
}

// UpdateActionExecution persists mutable fields of an action execution.
func (s *Store) UpdateActionExecution(ctx context.Context, a *ActionExecution) error {
	a.UpdatedAt = time.Now()

	fields, err := s.marshalExecutionFields(map[string]any{
		"output":          a.Output,
		"runtime_context": a.RuntimeContext,
	})
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, `
		UPDATE action_executions
		SET state = ?, state_info = ?, output = ?, runtime_context = ?,
		    accepted = ?, updated_at = ?
		WHERE id = ?`,
		a.State, nullString(s.truncateStateInfo(a.StateInfo)),
		fields["output"], fields["runtime_context"], boolToInt(a.Accepted),
		formatTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return s.mapError(err, "action execution", a.ID)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("action execution %q not found", a.ID)
	}

	return nil
}

// ActionExecutionFilter narrows ListActionExecutions.
type ActionExecutionFilter struct {
	TaskExecutionID string
	State           string
	// Accepted filters on the accepted flag when set.
	Accepted *bool
}

// ListActionExecutions returns action executions matching the filter ordered
// by creation time.
func (s *Store) ListActionExecutions(ctx context.Context, f ActionExecutionFilter) ([]*ActionExecution, error) {
	query := "SELECT " + actionExecutionColumns + " FROM action_executions WHERE 1=1"
	var args []any

	if f.TaskExecutionID != "" {
		query += " AND task_execution_id = ?"
		args = append(args, f.TaskExecutionID)
	}
	if f.State != "" {
		query += " AND state = ?"
		args = append(args, f.State)
	}
	if f.Accepted != nil {
		query += " AND accepted = ?"
		args = append(args, boolToInt(*f.Accepted))
	}

	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, s.mapError(err, "action executions", f.TaskExecutionID)
	}
	defer func() { _ = rows.Close() }()

	var out []*ActionExecution
	for rows.Next() {
		a, err := scanActionExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}

	return out, rows.Err()
}

func scanActionExecution(row rowScanner) (*ActionExecution, error) {
	var (
		a                           ActionExecution
		taskExID, descr, stateInfo  sql.NullString
		wfName                      sql.NullString
		input, output, runtimeCtx   sql.NullString
		accepted                    int
		createdAt, updatedAt        string
	)

	if err := row.Scan(
		&a.ID, &a.Name, &taskExID, &wfName, &a.ProjectID, &descr,
		&a.State, &stateInfo, &input, &output, &runtimeCtx, &accepted,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if taskExID.Valid {
		v := taskExID.String
		a.TaskExecutionID = &v
	}
	a.WorkflowName = wfName.String
	a.Description = descr.String
	a.StateInfo = stateInfo.String
	a.Accepted = accepted != 0

	var err error
	if a.Input, err = unmarshalMap(input); err != nil {
		return nil, err
	}
	if a.Output, err = unmarshalMap(output); err != nil {
		return nil, err
	}
	if a.RuntimeContext, err = unmarshalMap(runtimeCtx); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &a, nil
}

// marshalExecutionFields serializes a set of JSON columns at once.
func (s *Store) marshalExecutionFields(fields map[string]any) (map[string]sql.NullString, error) {
	out := make(map[string]sql.NullString, len(fields))
	for name, v := range fields {
		ns, err := s.marshalField(name, v)
		if err != nil {
			return nil, err
		}
		out[name] = ns
	}
	return out, nil
}

package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/millrace/mill/internal/errors"
)

// CronTrigger periodically starts a workflow on a cron schedule.
type CronTrigger struct {
	ID                  string
	Name                string
	ProjectID           string
	Scope               string
	Pattern             string
	FirstExecutionTime  *time.Time
	NextExecutionTime   time.Time
	RemainingExecutions *int
	WorkflowID          string
	WorkflowName        string
	WorkflowInput       map[string]any
	WorkflowParams      map[string]any
	TrustID             string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

const cronTriggerColumns = `
	id, name, project_id, scope, pattern, first_execution_time,
	next_execution_time, remaining_executions, workflow_id, workflow_name,
	workflow_input, workflow_params, trust_id, created_at, updated_at`

// hashField produces a stable digest of a JSON field. The digest columns let
// the uniqueness constraint cover unbounded JSON values.
func hashField(v map[string]any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CreateCronTrigger inserts a new cron trigger. Duplicate definitions, the
// same workflow with the same input, params, pattern and schedule, are
// rejected by a uniqueness constraint.
func (s *Store) CreateCronTrigger(ctx context.Context, t *CronTrigger) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Scope == "" {
		t.Scope = "private"
	}

	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	input, err := s.marshalField("workflow_input", t.WorkflowInput)
	if err != nil {
		return err
	}
	params, err := s.marshalField("workflow_params", t.WorkflowParams)
	if err != nil {
		return err
	}

	inputHash, err := hashField(t.WorkflowInput)
	if err != nil {
		return err
	}
	paramsHash, err := hashField(t.WorkflowParams)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO cron_triggers
			(id, name, project_id, scope, pattern, first_execution_time,
			 next_execution_time, remaining_executions, workflow_id, workflow_name,
			 workflow_input, workflow_params, workflow_input_hash,
			 workflow_params_hash, trust_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.ProjectID, t.Scope, nullString(t.Pattern),
		formatTimePtr(t.FirstExecutionTime), formatTime(t.NextExecutionTime),
		nullInt(t.RemainingExecutions), t.WorkflowID, t.WorkflowName,
		input, params, nullString(inputHash), nullString(paramsHash),
		nullString(t.TrustID), formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)

	return s.mapError(err, "cron trigger", t.Name)
}

// GetCronTrigger loads a trigger by name within a project.
func (s *Store) GetCronTrigger(ctx context.Context, projectID, name string) (*CronTrigger, error) {
	row := s.queryRow(ctx, `
		SELECT `+cronTriggerColumns+`
		FROM cron_triggers
		WHERE name = ? AND project_id = ?`,
		name, projectID,
	)

	t, err := scanCronTrigger(row)
	if err != nil {
		return nil, s.mapError(err, "cron trigger", name)
	}
	return t, nil
}

// GetExpiredCronTriggers returns triggers due at or before the given time,
// most overdue first.
func (s *Store) GetExpiredCronTriggers(ctx context.Context, before time.Time, limit int) ([]*CronTrigger, error) {
	query := `
		SELECT ` + cronTriggerColumns + `
		FROM cron_triggers
		WHERE next_execution_time <= ?
		ORDER BY next_execution_time ASC, id ASC`
	args := []any{formatTime(before)}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, s.mapError(err, "cron triggers", "expired")
	}
	defer func() { _ = rows.Close() }()

	var out []*CronTrigger
	for rows.Next() {
		t, err := scanCronTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}

	return out, rows.Err()
}

// AdvanceCronTrigger moves the trigger to its next firing time, guarded on
// the previously observed time so concurrent processors fire at most once.
// It reports whether this caller won the advance.
func (s *Store) AdvanceCronTrigger(ctx context.Context, id string, observed, next time.Time, remaining *int) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE cron_triggers
		SET next_execution_time = ?, remaining_executions = ?, updated_at = ?
		WHERE id = ? AND next_execution_time = ?`,
		formatTime(next), nullInt(remaining), formatTime(time.Now()),
		id, formatTime(observed),
	)
	if err != nil {
		return false, s.mapError(err, "cron trigger", id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

// DeleteCronTrigger removes a trigger by id.
func (s *Store) DeleteCronTrigger(ctx context.Context, id string) error {
	res, err := s.exec(ctx, "DELETE FROM cron_triggers WHERE id = ?", id)
	if err != nil {
		return s.mapError(err, "cron trigger", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("cron trigger %q not found", id)
	}
	return nil
}

// DeleteExhaustedCronTrigger removes a trigger whose execution count ran
// out, guarded on the observed firing time like AdvanceCronTrigger.
func (s *Store) DeleteExhaustedCronTrigger(ctx context.Context, id string, observed time.Time) (bool, error) {
	res, err := s.exec(ctx,
		"DELETE FROM cron_triggers WHERE id = ? AND next_execution_time = ?",
		id, formatTime(observed),
	)
	if err != nil {
		return false, s.mapError(err, "cron trigger", id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

// ListCronTriggers returns triggers visible to the project.
func (s *Store) ListCronTriggers(ctx context.Context, projectID string, p Pagination) ([]*CronTrigger, error) {
	clause, err := p.orderLimitClause(map[string]bool{
		"name": true, "next_execution_time": true, "created_at": true, "updated_at": true,
	})
	if err != nil {
		return nil, err
	}

	query := `
		SELECT ` + cronTriggerColumns + `
		FROM cron_triggers
		WHERE (project_id = ? OR scope = 'public')`
	args := []any{projectID}

	if p.Marker != "" {
		query += " AND id > ?"
		args = append(args, p.Marker)
	}

	rows, err := s.query(ctx, query+clause, args...)
	if err != nil {
		return nil, s.mapError(err, "cron triggers", projectID)
	}
	defer func() { _ = rows.Close() }()

	var out []*CronTrigger
	for rows.Next() {
		t, err := scanCronTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}

	return out, rows.Err()
}

func scanCronTrigger(row rowScanner) (*CronTrigger, error) {
	var (
		t                       CronTrigger
		pattern, firstExec      sql.NullString
		nextExec                string
		remaining               sql.NullInt64
		input, params, trustID  sql.NullString
		createdAt, updatedAt    string
	)

	if err := row.Scan(
		&t.ID, &t.Name, &t.ProjectID, &t.Scope, &pattern, &firstExec,
		&nextExec, &remaining, &t.WorkflowID, &t.WorkflowName,
		&input, &params, &trustID, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	t.Pattern = pattern.String
	t.TrustID = trustID.String

	if remaining.Valid {
		v := int(remaining.Int64)
		t.RemainingExecutions = &v
	}

	var err error
	if t.FirstExecutionTime, err = parseTimePtr(firstExec); err != nil {
		return nil, err
	}
	if t.NextExecutionTime, err = parseTime(nextExec); err != nil {
		return nil, err
	}
	if t.WorkflowInput, err = unmarshalMap(input); err != nil {
		return nil, err
	}
	if t.WorkflowParams, err = unmarshalMap(params); err != nil {
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

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/millrace/mill/internal/errors"
)

// WorkflowDefinition is a stored workflow definition.
type WorkflowDefinition struct {
	ID         string
	Name       string
	ProjectID  string
	Scope      string
	Definition string
	Spec       []byte // canonical JSON form of the parsed spec
	Tags       []string
	IsSystem   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreateWorkflowDefinition inserts a new workflow definition.
func (s *Store) CreateWorkflowDefinition(ctx context.Context, def *WorkflowDefinition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Scope == "" {
		def.Scope = "private"
	}

	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now

	tags, err := s.marshalField("tags", def.Tags)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO workflow_definitions
			(id, name, project_id, scope, definition, spec, tags, is_system, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.ProjectID, def.Scope, def.Definition, string(def.Spec),
		tags, boolToInt(def.IsSystem), formatTime(def.CreatedAt), formatTime(def.UpdatedAt),
	)

	return s.mapError(err, "workflow definition", def.Name)
}

// GetWorkflowDefinition loads a definition by name or id within a project.
// System (public) definitions are visible from any project.
func (s *Store) GetWorkflowDefinition(ctx context.Context, projectID, nameOrID string) (*WorkflowDefinition, error) {
	row := s.queryRow(ctx, `
		SELECT id, name, project_id, scope, definition, spec, tags, is_system, created_at, updated_at
		FROM workflow_definitions
		WHERE (name = ? OR id = ?) AND (project_id = ? OR scope = 'public')
		ORDER BY CASE WHEN project_id = ? THEN 0 ELSE 1 END
		LIMIT 1`,
		nameOrID, nameOrID, projectID, projectID,
	)

	def, err := scanWorkflowDefinition(row)
	if err != nil {
		return nil, s.mapError(err, "workflow definition", nameOrID)
	}

	return def, nil
}

// UpdateWorkflowDefinition replaces the definition content in place.
func (s *Store) UpdateWorkflowDefinition(ctx context.Context, def *WorkflowDefinition) error {
	def.UpdatedAt = time.Now()

	tags, err := s.marshalField("tags", def.Tags)
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, `
		UPDATE workflow_definitions
		SET definition = ?, spec = ?, tags = ?, scope = ?, updated_at = ?
		WHERE id = ?`,
		def.Definition, string(def.Spec), tags, def.Scope, formatTime(def.UpdatedAt), def.ID,
	)
	if err != nil {
		return s.mapError(err, "workflow definition", def.Name)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("workflow definition %q not found", def.Name)
	}

	return nil
}

// DeleteWorkflowDefinition removes a definition. Deletion is refused while
// any cron trigger references the workflow.
func (s *Store) DeleteWorkflowDefinition(ctx context.Context, projectID, name string) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		def, err := s.GetWorkflowDefinition(ctx, projectID, name)
		if err != nil {
			return err
		}

		var refs int
		if err := s.queryRow(ctx,
			"SELECT COUNT(*) FROM cron_triggers WHERE workflow_id = ?", def.ID,
		).Scan(&refs); err != nil {
			return s.mapError(err, "workflow definition", name)
		}
		if refs > 0 {
			return errors.InvalidState(
				"can't delete workflow %q: %d cron trigger(s) reference it", name, refs)
		}

		_, err = s.exec(ctx, "DELETE FROM workflow_definitions WHERE id = ?", def.ID)
		return s.mapError(err, "workflow definition", name)
	})
}

// ListWorkflowDefinitions returns definitions visible to the project.
func (s *Store) ListWorkflowDefinitions(ctx context.Context, projectID string, p Pagination) ([]*WorkflowDefinition, error) {
	clause, err := p.orderLimitClause(map[string]bool{
		"name": true, "created_at": true, "updated_at": true, "scope": true,
	})
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, name, project_id, scope, definition, spec, tags, is_system, created_at, updated_at
		FROM workflow_definitions
		WHERE (project_id = ? OR scope = 'public')`
	args := []any{projectID}

	if p.Marker != "" {
		query += " AND id > ?"
		args = append(args, p.Marker)
	}

	rows, err := s.query(ctx, query+clause, args...)
	if err != nil {
		return nil, s.mapError(err, "workflow definitions", projectID)
	}
	defer func() { _ = rows.Close() }()

	var defs []*WorkflowDefinition
	for rows.Next() {
		def, err := scanWorkflowDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	return defs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflowDefinition(row rowScanner) (*WorkflowDefinition, error) {
	var (
		def                  WorkflowDefinition
		spec                 string
		tags                 sql.NullString
		isSystem             int
		createdAt, updatedAt string
	)

	if err := row.Scan(
		&def.ID, &def.Name, &def.ProjectID, &def.Scope, &def.Definition, &spec,
		&tags, &isSystem, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	def.Spec = []byte(spec)
	def.IsSystem = isSystem != 0

	var err error
	if def.Tags, err = unmarshalStrings(tags); err != nil {
		return nil, err
	}
	if def.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if def.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &def, nil
}

// ActionDefinition is a registered or user-defined action.
type ActionDefinition struct {
	ID          string
	Name        string
	ProjectID   string
	Scope       string
	Description string
	Definition  string
	Input       string
	ActionClass string
	Attributes  map[string]any
	IsSystem    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateActionDefinition inserts a new action definition.
func (s *Store) CreateActionDefinition(ctx context.Context, def *ActionDefinition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Scope == "" {
		def.Scope = "private"
	}

	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now

	attrs, err := s.marshalField("attributes", def.Attributes)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO action_definitions
			(id, name, project_id, scope, description, definition, input,
			 action_class, attributes, is_system, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.ProjectID, def.Scope, nullString(def.Description),
		nullString(def.Definition), nullString(def.Input), def.ActionClass, attrs,
		boolToInt(def.IsSystem), formatTime(def.CreatedAt), formatTime(def.UpdatedAt),
	)

	return s.mapError(err, "action definition", def.Name)
}

// GetActionDefinition loads an action definition by name.
func (s *Store) GetActionDefinition(ctx context.Context, projectID, name string) (*ActionDefinition, error) {
	row := s.queryRow(ctx, `
		SELECT id, name, project_id, scope, description, definition, input,
		       action_class, attributes, is_system, created_at, updated_at
		FROM action_definitions
		WHERE (name = ? OR id = ?) AND (project_id = ? OR scope = 'public')
		ORDER BY CASE WHEN project_id = ? THEN 0 ELSE 1 END
		LIMIT 1`,
		name, name, projectID, projectID,
	)

	var (
		def                            ActionDefinition
		descr, definition, input, attr sql.NullString
		isSystem                       int
		createdAt, updatedAt           string
	)

	if err := row.Scan(
		&def.ID, &def.Name, &def.ProjectID, &def.Scope, &descr, &definition, &input,
		&def.ActionClass, &attr, &isSystem, &createdAt, &updatedAt,
	); err != nil {
		return nil, s.mapError(err, "action definition", name)
	}

	def.Description = descr.String
	def.Definition = definition.String
	def.Input = input.String
	def.IsSystem = isSystem != 0

	var err error
	if def.Attributes, err = unmarshalMap(attr); err != nil {
		return nil, err
	}
	if def.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if def.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &def, nil
}

// DeleteActionDefinition removes a non-system action definition.
func (s *Store) DeleteActionDefinition(ctx context.Context, projectID, name string) error {
	def, err := s.GetActionDefinition(ctx, projectID, name)
	if err != nil {
		return err
	}
	if def.IsSystem {
		return errors.InvalidState("can't delete system action %q", name)
	}

	_, err = s.exec(ctx, "DELETE FROM action_definitions WHERE id = ?", def.ID)
	return s.mapError(err, "action definition", name)
}

// Environment is a named set of variables referenced from start params.
type Environment struct {
	ID          string
	Name        string
	ProjectID   string
	Scope       string
	Description string
	Variables   map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateEnvironment inserts a new environment.
func (s *Store) CreateEnvironment(ctx context.Context, env *Environment) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Scope == "" {
		env.Scope = "private"
	}

	now := time.Now()
	env.CreatedAt = now
	env.UpdatedAt = now

	vars, err := s.marshalField("variables", env.Variables)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO environments
			(id, name, project_id, scope, description, variables, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.Name, env.ProjectID, env.Scope, nullString(env.Description),
		vars, formatTime(env.CreatedAt), formatTime(env.UpdatedAt),
	)

	return s.mapError(err, "environment", env.Name)
}

// GetEnvironment loads an environment by name.
func (s *Store) GetEnvironment(ctx context.Context, projectID, name string) (*Environment, error) {
	row := s.queryRow(ctx, `
		SELECT id, name, project_id, scope, description, variables, created_at, updated_at
		FROM environments
		WHERE name = ? AND (project_id = ? OR scope = 'public')
		ORDER BY CASE WHEN project_id = ? THEN 0 ELSE 1 END
		LIMIT 1`,
		name, projectID, projectID,
	)

	var (
		env                  Environment
		descr, vars          sql.NullString
		createdAt, updatedAt string
	)

	if err := row.Scan(
		&env.ID, &env.Name, &env.ProjectID, &env.Scope, &descr, &vars, &createdAt, &updatedAt,
	); err != nil {
		return nil, s.mapError(err, "environment", name)
	}

	env.Description = descr.String

	var err error
	if env.Variables, err = unmarshalMap(vars); err != nil {
		return nil, err
	}
	if env.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if env.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &env, nil
}

// DeleteEnvironment removes an environment.
func (s *Store) DeleteEnvironment(ctx context.Context, projectID, name string) error {
	res, err := s.exec(ctx,
		"DELETE FROM environments WHERE name = ? AND project_id = ?", name, projectID)
	if err != nil {
		return s.mapError(err, "environment", name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("environment %q not found", name)
	}
	return nil
}

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/millrace/mill/internal/authctx"
)

// DelayedCall is a persisted deferred method invocation. The scheduler claims
// due calls and dispatches them by target method name.
type DelayedCall struct {
	ID                string
	FactoryMethodPath string
	TargetMethodName  string
	MethodArguments   map[string]any
	AuthContext       *authctx.Context
	ExecutionTime     time.Time
	Processing        bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const delayedCallColumns = `
	id, factory_method_path, target_method_name, method_arguments,
	auth_context, execution_time, processing, created_at, updated_at`

// CreateDelayedCall inserts a new delayed call.
func (s *Store) CreateDelayedCall(ctx context.Context, c *DelayedCall) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	args, err := s.marshalField("method_arguments", c.MethodArguments)
	if err != nil {
		return err
	}

	var auth sql.NullString
	if c.AuthContext != nil {
		b, err := json.Marshal(c.AuthContext)
		if err != nil {
			return err
		}
		auth = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.exec(ctx, `
		INSERT INTO delayed_calls (`+delayedCallColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, nullString(c.FactoryMethodPath), c.TargetMethodName, args, auth,
		formatTime(c.ExecutionTime), boolToInt(c.Processing),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)

	return s.mapError(err, "delayed call", c.TargetMethodName)
}

// GetDelayedCallsToStart returns unclaimed calls due at or before the given
// time, oldest first.
func (s *Store) GetDelayedCallsToStart(ctx context.Context, before time.Time, limit int) ([]*DelayedCall, error) {
	query := `
		SELECT ` + delayedCallColumns + `
		FROM delayed_calls
		WHERE processing = 0 AND execution_time <= ?
		ORDER BY execution_time ASC, id ASC`
	args := []any{formatTime(before)}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, s.mapError(err, "delayed calls", "due")
	}
	defer func() { _ = rows.Close() }()

	var out []*DelayedCall
	for rows.Next() {
		c, err := scanDelayedCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	return out, rows.Err()
}

// ClaimDelayedCall marks one call as processing. It reports false when
// another worker claimed the call first.
func (s *Store) ClaimDelayedCall(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE delayed_calls
		SET processing = 1, updated_at = ?
		WHERE id = ? AND processing = 0`,
		formatTime(time.Now()), id,
	)
	if err != nil {
		return false, s.mapError(err, "delayed call", id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

// DeleteDelayedCall removes a call after it has run.
func (s *Store) DeleteDelayedCall(ctx context.Context, id string) error {
	_, err := s.exec(ctx, "DELETE FROM delayed_calls WHERE id = ?", id)
	return s.mapError(err, "delayed call", id)
}

// ResetStaleDelayedCalls releases calls stuck in processing longer than the
// threshold, making them claimable again. It returns the number released.
func (s *Store) ResetStaleDelayedCalls(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.exec(ctx, `
		UPDATE delayed_calls
		SET processing = 0, updated_at = ?
		WHERE processing = 1 AND updated_at < ?`,
		formatTime(time.Now()), formatTime(olderThan),
	)
	if err != nil {
		return 0, s.mapError(err, "delayed calls", "stale")
	}

	return res.RowsAffected()
}

func scanDelayedCall(row rowScanner) (*DelayedCall, error) {
	var (
		c                    DelayedCall
		factory, args, auth  sql.NullString
		execTime             string
		processing           int
		createdAt, updatedAt string
	)

	if err := row.Scan(
		&c.ID, &factory, &c.TargetMethodName, &args, &auth,
		&execTime, &processing, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	c.FactoryMethodPath = factory.String
	c.Processing = processing != 0

	var err error
	if c.MethodArguments, err = unmarshalMap(args); err != nil {
		return nil, err
	}
	if auth.Valid && auth.String != "" {
		var ac authctx.Context
		if err := json.Unmarshal([]byte(auth.String), &ac); err != nil {
			return nil, err
		}
		c.AuthContext = &ac
	}
	if c.ExecutionTime, err = parseTime(execTime); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &c, nil
}

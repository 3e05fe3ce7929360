// Package db provides database persistence for mill.
//
// One relational store holds workflow and action definitions, executions,
// delayed calls, cron triggers and environments. SQLite and PostgreSQL are
// supported behind the driver abstraction; all cross-worker coordination
// (workflow locks, delayed-call claims, cron trigger advances) goes through
// this store.
package db

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/millrace/mill/internal/db/driver"
	"github.com/millrace/mill/internal/errors"
)

//go:embed schema/*.sql schema/postgres/*.sql
var schemaFS embed.FS

// timeLayout is a fixed-width UTC layout so TEXT timestamps order lexically.
const timeLayout = "2006-01-02 15:04:05.000000"

// embedFSAdapter wraps embed.FS to implement driver.SchemaFS.
type embedFSAdapter struct {
	fs embed.FS
}

func (e *embedFSAdapter) ReadDir(name string) ([]driver.DirEntry, error) {
	entries, err := e.fs.ReadDir(name)
	if err != nil {
		return nil, err
	}
	result := make([]driver.DirEntry, len(entries))
	for i, entry := range entries {
		result[i] = dirEntryAdapter{entry}
	}
	return result, nil
}

func (e *embedFSAdapter) ReadFile(name string) ([]byte, error) {
	return e.fs.ReadFile(name)
}

type dirEntryAdapter struct {
	fs.DirEntry
}

func (d dirEntryAdapter) Name() string {
	return d.DirEntry.Name()
}

func (d dirEntryAdapter) IsDir() bool {
	return d.DirEntry.IsDir()
}

// Options tune store behavior.
type Options struct {
	// FieldSizeLimit bounds serialized JSON fields in bytes. Zero means
	// the 1 MB default.
	FieldSizeLimit int
	// StateInfoLimit bounds state_info length in bytes. Zero means 65500.
	StateInfoLimit int
	// TransientRetries is the number of attempts for transient errors.
	TransientRetries int
}

func (o Options) withDefaults() Options {
	if o.FieldSizeLimit <= 0 {
		o.FieldSizeLimit = 1024 * 1024
	}
	if o.StateInfoLimit <= 0 {
		o.StateInfoLimit = 65500
	}
	if o.TransientRetries <= 0 {
		o.TransientRetries = 3
	}
	return o
}

// Store wraps a database connection with driver abstraction.
type Store struct {
	drv  driver.Driver
	opts Options
}

// Open opens a store with the given dialect and DSN and runs migrations.
func Open(dialect driver.Dialect, dsn string, opts Options) (*Store, error) {
	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}

	if err := drv.Open(dsn); err != nil {
		return nil, err
	}

	if err := drv.Migrate(context.Background(), &embedFSAdapter{schemaFS}, "engine"); err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{drv: drv, opts: opts.withDefaults()}, nil
}

// OpenInMemory opens an in-memory SQLite store. Each call creates a new
// isolated database; intended for tests.
func OpenInMemory() (*Store, error) {
	return Open(driver.DialectSQLite, ":memory:", Options{})
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.drv.Close()
}

// Dialect returns the active dialect.
func (s *Store) Dialect() driver.Dialect {
	return s.drv.Dialect()
}

// --- transactions and locks ---

type txKey struct{}

type queryer interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns the transaction bound to ctx, or the bare connection.
func (s *Store) q(ctx context.Context) queryer {
	if tx, ok := ctx.Value(txKey{}).(driver.Tx); ok {
		return tx
	}
	return s.drv
}

// InTx runs fn inside a transaction. Nested calls join the outer
// transaction. Transient failures retry the whole function.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(driver.Tx); ok {
		return fn(ctx)
	}

	var lastErr error

	for attempt := 0; attempt < s.opts.TransientRetries; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !s.drv.IsTransient(err) {
			return err
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}

	return errors.Transient("transaction kept failing", lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.drv.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// WithWorkflowLock serialises access to one workflow execution across all
// engine workers. fn runs inside a transaction holding the lock.
func (s *Store) WithWorkflowLock(ctx context.Context, wfExID string, fn func(ctx context.Context) error) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		tx := ctx.Value(txKey{}).(driver.Tx)
		if err := s.drv.AcquireNamedLock(ctx, tx, "wf-ex-"+wfExID); err != nil {
			return err
		}
		return fn(ctx)
	})
}

// --- query helpers ---

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q(ctx).Exec(ctx, driver.Rebind(s.drv.Dialect(), query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q(ctx).Query(ctx, driver.Rebind(s.drv.Dialect(), query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q(ctx).QueryRow(ctx, driver.Rebind(s.drv.Dialect(), query), args...)
}

// mapError translates driver errors into the engine taxonomy.
func (s *Store) mapError(err error, entity, key string) error {
	switch {
	case err == nil:
		return nil
	case err == sql.ErrNoRows:
		return errors.NotFound("%s %q not found", entity, key)
	case s.drv.IsDuplicate(err):
		return errors.DuplicateEntry("%s %q already exists", entity, key).WithCause(err)
	case s.drv.IsTransient(err):
		return errors.Transient(fmt.Sprintf("%s %q: transient database error", entity, key), err)
	default:
		return fmt.Errorf("%s %q: %w", entity, key, err)
	}
}

// --- field encoding ---

// marshalField serializes a JSON field enforcing the size limit.
func (s *Store) marshalField(name string, v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal %s: %w", name, err)
	}

	if len(b) > s.opts.FieldSizeLimit {
		return sql.NullString{}, errors.SizeLimitExceeded(name, len(b), s.opts.FieldSizeLimit)
	}

	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalMap(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalStrings(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// truncateStateInfo bounds state_info to the configured limit.
func (s *Store) truncateStateInfo(info string) string {
	if len(info) <= s.opts.StateInfoLimit {
		return info
	}
	return info[:s.opts.StateInfoLimit]
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// --- pagination ---

// Pagination controls list queries. Marker is the id of the last row of the
// previous page.
type Pagination struct {
	Marker   string
	Limit    int
	SortKeys []string
	SortDirs []string
}

// orderLimitClause renders ORDER BY / LIMIT, restricted to allowed columns.
func (p Pagination) orderLimitClause(allowed map[string]bool) (string, error) {
	var b strings.Builder

	keys := p.SortKeys
	if len(keys) == 0 {
		keys = []string{"created_at"}
	}

	b.WriteString(" ORDER BY ")

	for i, k := range keys {
		if !allowed[k] {
			return "", errors.InputInvalid("unknown sort key %q", k)
		}

		dir := "ASC"
		if i < len(p.SortDirs) {
			switch strings.ToLower(p.SortDirs[i]) {
			case "asc", "":
				dir = "ASC"
			case "desc":
				dir = "DESC"
			default:
				return "", errors.InputInvalid("unknown sort direction %q", p.SortDirs[i])
			}
		}

		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s", k, dir)
	}

	// id is appended as a unique tie-break so markers are stable.
	b.WriteString(", id ASC")

	if p.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", p.Limit)
	}

	return b.String(), nil
}

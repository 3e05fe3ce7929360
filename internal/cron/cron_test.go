package cron

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millrace/mill/internal/authctx"
	"github.com/millrace/mill/internal/db"
)

type recordingStarter struct {
	names    []string
	inputs   []map[string]any
	projects []string
}

func (s *recordingStarter) StartWorkflow(ctx context.Context, wfName string, input map[string]any, description string, params map[string]any) (*db.WorkflowExecution, error) {
	s.names = append(s.names, wfName)
	s.inputs = append(s.inputs, input)
	s.projects = append(s.projects, authctx.ProjectID(ctx))
	return &db.WorkflowExecution{ID: "ex-" + wfName, WorkflowName: wfName}, nil
}

func newTestProcessor(t *testing.T) (*Processor, *db.Store, *recordingStarter) {
	t.Helper()

	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	starter := &recordingStarter{}
	return New(store, starter), store, starter
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern("*/5 * * * *"))
	assert.NoError(t, ValidatePattern("0 2 * * 1"))
	assert.Error(t, ValidatePattern("not a pattern"))
	assert.Error(t, ValidatePattern("61 * * * *"))
}

func TestNextAfter(t *testing.T) {
	after := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	next, err := NextAfter("0 2 * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC), next)
}

func TestRunOnceFiresDueTrigger(t *testing.T) {
	p, store, starter := newTestProcessor(t)
	ctx := context.Background()

	trig := &db.CronTrigger{
		Name:              "nightly",
		ProjectID:         "p1",
		Pattern:           "0 2 * * *",
		NextExecutionTime: time.Now().Add(-time.Minute),
		WorkflowID:        "wf-id",
		WorkflowName:      "backup",
		WorkflowInput:     map[string]any{"target": "db"},
	}
	require.NoError(t, store.CreateCronTrigger(ctx, trig))

	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, starter.names, 1)
	assert.Equal(t, "backup", starter.names[0])
	assert.Equal(t, map[string]any{"target": "db"}, starter.inputs[0])
	assert.Equal(t, "p1", starter.projects[0])

	// The trigger advanced; a second sweep finds nothing due.
	n, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := store.GetCronTrigger(ctx, "p1", "nightly")
	require.NoError(t, err)
	assert.True(t, stored.NextExecutionTime.After(time.Now()))
}

func TestRunOnceDecrementsRemainingExecutions(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	remaining := 2
	trig := &db.CronTrigger{
		Name:                "limited",
		ProjectID:           "p1",
		Pattern:             "* * * * *",
		NextExecutionTime:   time.Now().Add(-time.Minute),
		RemainingExecutions: &remaining,
		WorkflowID:          "wf-id",
		WorkflowName:        "wf",
	}
	require.NoError(t, store.CreateCronTrigger(ctx, trig))

	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stored, err := store.GetCronTrigger(ctx, "p1", "limited")
	require.NoError(t, err)
	require.NotNil(t, stored.RemainingExecutions)
	assert.Equal(t, 1, *stored.RemainingExecutions)
}

func TestLastExecutionDeletesTrigger(t *testing.T) {
	p, store, starter := newTestProcessor(t)
	ctx := context.Background()

	remaining := 1
	trig := &db.CronTrigger{
		Name:                "once",
		ProjectID:           "p1",
		Pattern:             "* * * * *",
		NextExecutionTime:   time.Now().Add(-time.Minute),
		RemainingExecutions: &remaining,
		WorkflowID:          "wf-id",
		WorkflowName:        "wf",
	}
	require.NoError(t, store.CreateCronTrigger(ctx, trig))

	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, starter.names, 1)

	_, err = store.GetCronTrigger(ctx, "p1", "once")
	assert.Error(t, err)
}

func TestLookaheadFiresUpcomingTrigger(t *testing.T) {
	p, store, starter := newTestProcessor(t)
	ctx := context.Background()

	// Due one second from now, inside the default two second lookahead.
	trig := &db.CronTrigger{
		Name:              "soon",
		ProjectID:         "p1",
		Pattern:           "* * * * *",
		NextExecutionTime: time.Now().Add(time.Second),
		WorkflowID:        "wf-id",
		WorkflowName:      "wf",
	}
	require.NoError(t, store.CreateCronTrigger(ctx, trig))

	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, starter.names, 1)

	// The next occurrence is computed from the claimed one, so the same
	// occurrence cannot fire again.
	stored, err := store.GetCronTrigger(ctx, "p1", "soon")
	require.NoError(t, err)
	assert.True(t, stored.NextExecutionTime.After(trig.NextExecutionTime))
}

func TestConcurrentSweepFiresOnce(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	trig := &db.CronTrigger{
		Name:              "race",
		ProjectID:         "p1",
		Pattern:           "0 2 * * *",
		NextExecutionTime: time.Now().Add(-time.Minute),
		WorkflowID:        "wf-id",
		WorkflowName:      "wf",
	}
	require.NoError(t, store.CreateCronTrigger(ctx, trig))

	// A competing processor advances the trigger between our read and CAS.
	stale := *trig
	next, err := NextAfter(trig.Pattern, time.Now())
	require.NoError(t, err)
	won, err := store.AdvanceCronTrigger(ctx, trig.ID, trig.NextExecutionTime, next, nil)
	require.NoError(t, err)
	require.True(t, won)

	got, err := p.advance(ctx, &stale, time.Now())
	require.NoError(t, err)
	assert.False(t, got, "losing the CAS must not fire the trigger")
}

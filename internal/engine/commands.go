package engine

import (
	"encoding/json"
	"fmt"

	"github.com/millrace/mill/internal/dsl"
)

// Command is one unit of work decided by a workflow controller. Commands are
// a closed set; the dispatcher handles each variant explicitly.
type Command interface {
	// Key is an idempotency key; the dispatcher drops commands whose key it
	// has already acted on in the current pass.
	Key() string
}

// RunTask starts (or resumes) the named task with the given context.
type RunTask struct {
	TaskSpec *dsl.TaskSpec
	Context  map[string]any
	// Wait marks the task as blocked on an unmet join; it is created as a
	// WAITING placeholder instead of running.
	Wait bool
	// TriggeredBy is the task execution whose transition produced this
	// command. Parallel triggerings of the same task each run their own
	// execution, so the key has to tell them apart.
	TriggeredBy string
}

func (c *RunTask) Key() string {
	if c.TriggeredBy != "" {
		return "run:" + c.TaskSpec.Name + ":" + c.TriggeredBy
	}
	return "run:" + c.TaskSpec.Name
}

// RunExistingTask re-runs a task execution that already exists (rerun and
// retry paths). Reset discards previously accepted action results.
type RunExistingTask struct {
	TaskExID string
	Reset    bool
}

func (c *RunExistingTask) Key() string { return "rerun:" + c.TaskExID }

// SetWorkflowState moves the workflow to a terminal or paused state.
type SetWorkflowState struct {
	State   State
	Message string
}

func (c *SetWorkflowState) Key() string { return "state:" + string(c.State) }

// Noop does nothing. Emitted for the reserved "noop" transition target so
// error handling counts as handled.
type Noop struct{}

func (c *Noop) Key() string { return "noop" }

// failWorkflow and friends are shorthands used by the controllers.
func failWorkflow(msg string) Command {
	return &SetWorkflowState{State: StateError, Message: msg}
}

func succeedWorkflow(msg string) Command {
	return &SetWorkflowState{State: StateSuccess, Message: msg}
}

func pauseWorkflow() Command {
	return &SetWorkflowState{State: StatePaused}
}

// encodeCommand flattens a command into a JSON-friendly map so an
// interrupted dispatch pass can park it in the workflow's runtime context.
func encodeCommand(cmd Command) (map[string]any, error) {
	switch c := cmd.(type) {
	case *RunTask:
		specJSON, err := json.Marshal(c.TaskSpec)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"type":         "run_task",
			"spec":         string(specJSON),
			"context":      c.Context,
			"wait":         c.Wait,
			"triggered_by": c.TriggeredBy,
		}, nil
	case *RunExistingTask:
		return map[string]any{
			"type":              "run_existing_task",
			"task_execution_id": c.TaskExID,
			"reset":             c.Reset,
		}, nil
	case *SetWorkflowState:
		return map[string]any{
			"type":    "set_workflow_state",
			"state":   string(c.State),
			"message": c.Message,
		}, nil
	case *Noop:
		return map[string]any{"type": "noop"}, nil
	default:
		return nil, fmt.Errorf("unknown command type %T", cmd)
	}
}

// decodeCommand is the inverse of encodeCommand.
func decodeCommand(m map[string]any) (Command, error) {
	kind, _ := m["type"].(string)
	switch kind {
	case "run_task":
		var spec dsl.TaskSpec
		raw, _ := m["spec"].(string)
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			return nil, fmt.Errorf("parked run_task has invalid spec: %w", err)
		}
		taskCtx, _ := m["context"].(map[string]any)
		wait, _ := m["wait"].(bool)
		trigger, _ := m["triggered_by"].(string)
		return &RunTask{TaskSpec: &spec, Context: taskCtx, Wait: wait, TriggeredBy: trigger}, nil
	case "run_existing_task":
		id, _ := m["task_execution_id"].(string)
		reset, _ := m["reset"].(bool)
		return &RunExistingTask{TaskExID: id, Reset: reset}, nil
	case "set_workflow_state":
		state, _ := m["state"].(string)
		message, _ := m["message"].(string)
		return &SetWorkflowState{State: State(state), Message: message}, nil
	case "noop":
		return &Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown parked command type %q", kind)
	}
}

// commandForReservedTarget maps the reserved transition targets to commands.
func commandForReservedTarget(target string) (Command, bool) {
	switch target {
	case dsl.TargetNoop:
		return &Noop{}, true
	case dsl.TargetFail:
		return failWorkflow("explicitly failed by 'fail' transition"), true
	case dsl.TargetSucceed:
		return succeedWorkflow(""), true
	case dsl.TargetPause:
		return pauseWorkflow(), true
	default:
		return nil, false
	}
}

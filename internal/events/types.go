// Package events provides in-process notification of execution state
// changes. The engine publishes an event on every workflow, task and action
// state transition; the API layer and tests subscribe to them.
package events

import "time"

// EventType identifies the kind of event.
type EventType string

const (
	// EventWorkflowState is published when a workflow execution changes state.
	EventWorkflowState EventType = "workflow_state"
	// EventTaskState is published when a task execution changes state.
	EventTaskState EventType = "task_state"
	// EventActionState is published when an action execution changes state.
	EventActionState EventType = "action_state"
	// EventCronFired is published when a cron trigger starts a workflow.
	EventCronFired EventType = "cron_fired"
)

// Event is a single notification. ExecutionID is the workflow execution the
// event belongs to; cron events carry the trigger id instead.
type Event struct {
	Type        EventType
	ExecutionID string
	Timestamp   time.Time
	Data        any
}

// StateChange describes a state transition on one entity.
type StateChange struct {
	EntityID  string
	Name      string
	OldState  string
	NewState  string
	StateInfo string
}

// CronFired describes one cron trigger firing.
type CronFired struct {
	TriggerID    string
	TriggerName  string
	WorkflowName string
}

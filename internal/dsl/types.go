// Package dsl parses the mill workflow language (version '2.0').
//
// A document carries a "version" key plus its workflows, either named at the
// top level or nested under "workflows" alongside optional "actions".
// Workflow and task specs are normalized at parse time (inline action
// parameters folded into input, defaults applied) so the engine only ever
// sees canonical specs. Specs serialize to JSON for storage in execution
// rows.
package dsl

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/millrace/mill/internal/errors"
)

// Version is the only DSL version this engine accepts.
const Version = "2.0"

// Workflow types.
const (
	TypeDirect  = "direct"
	TypeReverse = "reverse"
)

// Reserved transition targets understood by the workflow controller.
const (
	TargetNoop    = "noop"
	TargetFail    = "fail"
	TargetSucceed = "succeed"
	TargetPause   = "pause"
)

// ReservedTargets lists transition names that are commands, not tasks.
var ReservedTargets = map[string]bool{
	TargetNoop:    true,
	TargetFail:    true,
	TargetSucceed: true,
	TargetPause:   true,
}

// Workbook is a parsed DSL document.
type Workbook struct {
	Version   string                   `yaml:"version" json:"version"`
	Workflows map[string]*WorkflowSpec `yaml:"workflows" json:"workflows"`
	Actions   map[string]*ActionSpec   `yaml:"actions,omitempty" json:"actions,omitempty"`

	definition string
}

// Definition returns the raw YAML text the workbook was parsed from.
func (w *Workbook) Definition() string { return w.definition }

// WorkflowSpec describes a single workflow.
type WorkflowSpec struct {
	Name         string               `yaml:"-" json:"name"`
	Type         string               `yaml:"type,omitempty" json:"type"`
	Description  string               `yaml:"description,omitempty" json:"description,omitempty"`
	Input        []InputParam         `yaml:"input,omitempty" json:"input,omitempty"`
	Output       map[string]any       `yaml:"output,omitempty" json:"output,omitempty"`
	Vars         map[string]any       `yaml:"vars,omitempty" json:"vars,omitempty"`
	TaskDefaults *TaskDefaults        `yaml:"task-defaults,omitempty" json:"task_defaults,omitempty"`
	Tasks        map[string]*TaskSpec `yaml:"tasks" json:"tasks"`
}

// ActionSpec describes an ad-hoc action defined inside a workbook.
type ActionSpec struct {
	Name        string         `yaml:"-" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Base        string         `yaml:"base" json:"base"`
	BaseInput   map[string]any `yaml:"base-input,omitempty" json:"base_input,omitempty"`
	Input       []InputParam   `yaml:"input,omitempty" json:"input,omitempty"`
	Output      any            `yaml:"output,omitempty" json:"output,omitempty"`
}

// TaskDefaults carries policies and transitions inherited by every task of
// a workflow unless the task overrides them.
type TaskDefaults struct {
	OnComplete  TransitionList `yaml:"on-complete,omitempty" json:"on_complete,omitempty"`
	OnSuccess   TransitionList `yaml:"on-success,omitempty" json:"on_success,omitempty"`
	OnError     TransitionList `yaml:"on-error,omitempty" json:"on_error,omitempty"`
	Retry       *RetrySpec     `yaml:"retry,omitempty" json:"retry,omitempty"`
	WaitBefore  any            `yaml:"wait-before,omitempty" json:"wait_before,omitempty"`
	WaitAfter   any            `yaml:"wait-after,omitempty" json:"wait_after,omitempty"`
	Timeout     any            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	PauseBefore any            `yaml:"pause-before,omitempty" json:"pause_before,omitempty"`
	Concurrency any            `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
}

// TaskSpec describes a single task of a workflow.
type TaskSpec struct {
	Name        string         `yaml:"-" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Action      string         `yaml:"action,omitempty" json:"action,omitempty"`
	Workflow    string         `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	Input       map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
	Publish     map[string]any `yaml:"publish,omitempty" json:"publish,omitempty"`
	WithItems   StringList     `yaml:"with-items,omitempty" json:"with_items,omitempty"`
	KeepResult  *bool          `yaml:"keep-result,omitempty" json:"keep_result,omitempty"`
	Join        any            `yaml:"join,omitempty" json:"join,omitempty"`
	Concurrency any            `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	PauseBefore any            `yaml:"pause-before,omitempty" json:"pause_before,omitempty"`
	WaitBefore  any            `yaml:"wait-before,omitempty" json:"wait_before,omitempty"`
	WaitAfter   any            `yaml:"wait-after,omitempty" json:"wait_after,omitempty"`
	Timeout     any            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retry       *RetrySpec     `yaml:"retry,omitempty" json:"retry,omitempty"`
	OnComplete  TransitionList `yaml:"on-complete,omitempty" json:"on_complete,omitempty"`
	OnSuccess   TransitionList `yaml:"on-success,omitempty" json:"on_success,omitempty"`
	OnError     TransitionList `yaml:"on-error,omitempty" json:"on_error,omitempty"`
	Requires    StringList     `yaml:"requires,omitempty" json:"requires,omitempty"`
	Target      string         `yaml:"target,omitempty" json:"target,omitempty"`
}

// ShouldKeepResult reports whether the task result stays in the context.
func (t *TaskSpec) ShouldKeepResult() bool {
	return t.KeepResult == nil || *t.KeepResult
}

// HasJoin reports whether the task is a join target.
func (t *TaskSpec) HasJoin() bool { return t.Join != nil }

// RetrySpec configures the retry task policy. Count and Delay accept
// integers or expressions.
type RetrySpec struct {
	Count      any    `yaml:"count,omitempty" json:"count,omitempty"`
	Delay      any    `yaml:"delay,omitempty" json:"delay,omitempty"`
	BreakOn    string `yaml:"break-on,omitempty" json:"break_on,omitempty"`
	ContinueOn string `yaml:"continue-on,omitempty" json:"continue_on,omitempty"`
}

// Transition is one entry of an on-success/on-error/on-complete clause.
type Transition struct {
	Name      string `json:"name"`
	Condition string `json:"condition,omitempty"`
}

// TransitionList accepts entries as bare names or {name: guard} mappings.
type TransitionList []Transition

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *TransitionList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return errors.DSLParse("transition clause must be a list (line %d)", node.Line)
	}

	out := make(TransitionList, 0, len(node.Content))

	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			var name string
			if err := item.Decode(&name); err != nil {
				return err
			}
			out = append(out, Transition{Name: name})
		case yaml.MappingNode:
			if len(item.Content) != 2 {
				return errors.DSLParse(
					"transition mapping must have exactly one {name: condition} pair (line %d)",
					item.Line)
			}
			var name, cond string
			if err := item.Content[0].Decode(&name); err != nil {
				return err
			}
			if err := item.Content[1].Decode(&cond); err != nil {
				return err
			}
			out = append(out, Transition{Name: name, Condition: cond})
		default:
			return errors.DSLParse("invalid transition entry (line %d)", item.Line)
		}
	}

	*l = out

	return nil
}

// StringList accepts a bare string or a list of strings.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v string
		if err := node.Decode(&v); err != nil {
			return err
		}
		*s = StringList{v}
		return nil
	case yaml.SequenceNode:
		var v []string
		if err := node.Decode(&v); err != nil {
			return err
		}
		*s = StringList(v)
		return nil
	default:
		return errors.DSLParse("expected string or list of strings (line %d)", node.Line)
	}
}

// InputParam is a declared workflow or action input, optionally carrying a
// default value. The YAML form is either a bare name or {name: default}.
type InputParam struct {
	Name       string `json:"name"`
	Default    any    `json:"default,omitempty"`
	HasDefault bool   `json:"has_default,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *InputParam) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&p.Name)
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return errors.DSLParse(
				"input entry must be a name or a single {name: default} pair (line %d)",
				node.Line)
		}
		if err := node.Content[0].Decode(&p.Name); err != nil {
			return err
		}
		var def any
		if err := node.Content[1].Decode(&def); err != nil {
			return err
		}
		p.Default = def
		p.HasDefault = true
		return nil
	default:
		return errors.DSLParse("invalid input entry (line %d)", node.Line)
	}
}

// ItemsBinding is one parsed with-items clause: "<var> in <expression>".
type ItemsBinding struct {
	Var        string
	Expression string
}

// JoinSpec normalizes the task join field.
type JoinSpec struct {
	All   bool
	One   bool
	Count int
}

// ParseJoin normalizes a raw join value.
func ParseJoin(v any) (*JoinSpec, error) {
	switch j := v.(type) {
	case nil:
		return nil, nil
	case string:
		switch j {
		case "all":
			return &JoinSpec{All: true}, nil
		case "one":
			return &JoinSpec{One: true}, nil
		default:
			return nil, errors.DSLParse("invalid join value %q, expected all, one or a number", j)
		}
	case int:
		if j <= 0 {
			return nil, errors.DSLParse("join count must be positive, got %d", j)
		}
		return &JoinSpec{Count: j}, nil
	case float64:
		// Specs stored as JSON round-trip numbers as float64.
		n := int(j)
		if n <= 0 || float64(n) != j {
			return nil, errors.DSLParse("join count must be a positive integer, got %v", j)
		}
		return &JoinSpec{Count: n}, nil
	default:
		return nil, errors.DSLParse("invalid join value of type %T", v)
	}
}

func (j *JoinSpec) String() string {
	switch {
	case j == nil:
		return ""
	case j.All:
		return "all"
	case j.One:
		return "one"
	default:
		return fmt.Sprintf("%d", j.Count)
	}
}

package dsl

import (
	"encoding/json"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/millrace/mill/internal/errors"
	"github.com/millrace/mill/internal/expr"
)

var withItemsPattern = regexp.MustCompile(`^\s*(\w+)\s+in\s+(.+)\s*$`)

// Parse parses and validates a DSL document.
func Parse(data []byte) (*Workbook, error) {
	// Version is checked before full decoding so unsupported documents get
	// a stable error regardless of their shape.
	var head struct {
		Version any `yaml:"version"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, errors.DSLParse("invalid YAML document").WithCause(err)
	}
	if v := normalizeVersion(head.Version); v != Version {
		return nil, errors.DSLParse("unsupported DSL version %q, expected %q", v, Version)
	}

	var wb Workbook
	if err := yaml.Unmarshal(data, &wb); err != nil {
		return nil, errors.DSLParse("invalid workbook document").WithCause(err)
	}

	wb.Version = Version
	wb.definition = string(data)

	if len(wb.Workflows) == 0 {
		// A workflow document lists workflows at the top level; only full
		// workbooks nest them under "workflows".
		if err := parseTopLevelWorkflows(data, &wb); err != nil {
			return nil, err
		}
	}

	if len(wb.Workflows) == 0 {
		return nil, errors.DSLParse("document declares no workflows")
	}

	for name, wf := range wb.Workflows {
		if wf == nil {
			return nil, errors.DSLParse("workflow %q has an empty body", name)
		}
		wf.Name = name
		if err := normalizeWorkflow(wf); err != nil {
			return nil, err
		}
		if err := validateWorkflow(wf); err != nil {
			return nil, err
		}
	}

	for name, act := range wb.Actions {
		if act == nil {
			return nil, errors.DSLParse("action %q has an empty body", name)
		}
		act.Name = name
		if act.Base == "" {
			return nil, errors.DSLParse("action %q is missing 'base'", name)
		}
		if err := normalizeInlineAction(&act.Base, &act.BaseInput); err != nil {
			return nil, err
		}
	}

	return &wb, nil
}

// parseTopLevelWorkflows decodes the document form where every key other
// than the reserved ones names a workflow.
func parseTopLevelWorkflows(data []byte, wb *Workbook) error {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return errors.DSLParse("invalid workflow document").WithCause(err)
	}

	wfs := make(map[string]*WorkflowSpec, len(raw))

	for name, node := range raw {
		switch name {
		case "version", "workflows", "actions":
			continue
		}

		var wf WorkflowSpec
		if err := node.Decode(&wf); err != nil {
			return errors.DSLParse("invalid workflow %q", name).WithCause(err)
		}
		wfs[name] = &wf
	}

	wb.Workflows = wfs

	return nil
}

// ParseWorkflowSpec re-hydrates a workflow spec from its stored JSON form.
func ParseWorkflowSpec(data []byte) (*WorkflowSpec, error) {
	var spec WorkflowSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, errors.DSLParse("invalid stored workflow spec").WithCause(err)
	}
	return &spec, nil
}

// MarshalSpec serializes a spec for storage.
func MarshalSpec(spec any) ([]byte, error) {
	return json.Marshal(spec)
}

func normalizeVersion(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == 2.0 {
			return "2.0"
		}
	case int:
		if t == 2 {
			return "2.0"
		}
	}
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(sprint(v)), "'\""))
}

func sprint(v any) string {
	b, err := yaml.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// normalizeWorkflow applies defaults and folds inline action parameters.
func normalizeWorkflow(wf *WorkflowSpec) error {
	if wf.Type == "" {
		wf.Type = TypeDirect
	}

	for name, task := range wf.Tasks {
		if task == nil {
			return errors.DSLParse("task %q in workflow %q has an empty body", name, wf.Name)
		}

		task.Name = name

		if task.Action != "" && strings.ContainsAny(task.Action, " \t") {
			if err := normalizeInlineAction(&task.Action, &task.Input); err != nil {
				return errors.DSLParse(
					"task %q in workflow %q: %v", name, wf.Name, err)
			}
		}
		if task.Workflow != "" && strings.ContainsAny(task.Workflow, " \t") {
			if err := normalizeInlineAction(&task.Workflow, &task.Input); err != nil {
				return errors.DSLParse(
					"task %q in workflow %q: %v", name, wf.Name, err)
			}
		}

		applyTaskDefaults(task, wf.TaskDefaults)
	}

	return nil
}

// normalizeInlineAction splits "name k1=v1 k2=v2" into the bare name and
// parameters merged into the input mapping. Explicit input keys win.
func normalizeInlineAction(name *string, input *map[string]any) error {
	base, params, err := ParseInlineCall(*name)
	if err != nil {
		return err
	}

	*name = base

	if len(params) == 0 {
		return nil
	}

	if *input == nil {
		*input = make(map[string]any, len(params))
	}
	for k, v := range params {
		if _, ok := (*input)[k]; !ok {
			(*input)[k] = v
		}
	}

	return nil
}

func applyTaskDefaults(task *TaskSpec, defaults *TaskDefaults) {
	if defaults == nil {
		return
	}

	if task.OnComplete == nil {
		task.OnComplete = defaults.OnComplete
	}
	if task.OnSuccess == nil {
		task.OnSuccess = defaults.OnSuccess
	}
	if task.OnError == nil {
		task.OnError = defaults.OnError
	}
	if task.Retry == nil {
		task.Retry = defaults.Retry
	}
	if task.WaitBefore == nil {
		task.WaitBefore = defaults.WaitBefore
	}
	if task.WaitAfter == nil {
		task.WaitAfter = defaults.WaitAfter
	}
	if task.Timeout == nil {
		task.Timeout = defaults.Timeout
	}
	if task.PauseBefore == nil {
		task.PauseBefore = defaults.PauseBefore
	}
	if task.Concurrency == nil {
		task.Concurrency = defaults.Concurrency
	}
}

func validateWorkflow(wf *WorkflowSpec) error {
	if wf.Type != TypeDirect && wf.Type != TypeReverse {
		return errors.DSLParse(
			"workflow %q has invalid type %q, expected direct or reverse", wf.Name, wf.Type)
	}

	if len(wf.Tasks) == 0 {
		return errors.DSLParse("workflow %q declares no tasks", wf.Name)
	}

	if err := validateExpressions(wf.Name, "output", wf.Output); err != nil {
		return err
	}
	if err := validateExpressions(wf.Name, "vars", wf.Vars); err != nil {
		return err
	}

	for _, task := range wf.Tasks {
		if err := validateTask(wf, task); err != nil {
			return err
		}
	}

	return nil
}

func validateTask(wf *WorkflowSpec, task *TaskSpec) error {
	if task.Action != "" && task.Workflow != "" {
		return errors.DSLParse(
			"task %q in workflow %q declares both 'action' and 'workflow'",
			task.Name, wf.Name)
	}

	for field, mapping := range map[string]map[string]any{
		"input":   task.Input,
		"publish": task.Publish,
	} {
		if err := validateExpressions(wf.Name, task.Name+"."+field, mapping); err != nil {
			return err
		}
	}

	for _, item := range task.WithItems {
		m := withItemsPattern.FindStringSubmatch(item)
		if m == nil {
			return errors.DSLParse(
				"task %q in workflow %q: with-items entry %q must have form '<var> in <expression>'",
				task.Name, wf.Name, item)
		}
		if err := expr.Validate(m[2]); err != nil {
			return errors.DSLParse(
				"task %q in workflow %q: invalid with-items expression: %v",
				task.Name, wf.Name, err)
		}
	}

	if _, err := ParseJoin(task.Join); err != nil {
		return errors.DSLParse("task %q in workflow %q: %v", task.Name, wf.Name, err)
	}

	switch wf.Type {
	case TypeDirect:
		if len(task.Requires) > 0 {
			return errors.DSLParse(
				"task %q in workflow %q: 'requires' is only valid in reverse workflows",
				task.Name, wf.Name)
		}
		for clause, transitions := range map[string]TransitionList{
			"on-complete": task.OnComplete,
			"on-success":  task.OnSuccess,
			"on-error":    task.OnError,
		} {
			for _, tr := range transitions {
				if !ReservedTargets[tr.Name] {
					if _, ok := wf.Tasks[tr.Name]; !ok {
						return errors.DSLParse(
							"task %q in workflow %q: %s target %q is not a task",
							task.Name, wf.Name, clause, tr.Name)
					}
				}
				if tr.Condition != "" {
					if err := expr.Validate(tr.Condition); err != nil {
						return errors.DSLParse(
							"task %q in workflow %q: invalid %s condition: %v",
							task.Name, wf.Name, clause, err)
					}
				}
			}
		}
	case TypeReverse:
		if len(task.OnComplete)+len(task.OnSuccess)+len(task.OnError) > 0 || task.HasJoin() {
			return errors.DSLParse(
				"task %q in workflow %q: transitions and join are only valid in direct workflows",
				task.Name, wf.Name)
		}
		for _, req := range task.Requires {
			if _, ok := wf.Tasks[req]; !ok {
				return errors.DSLParse(
					"task %q in workflow %q requires unknown task %q",
					task.Name, wf.Name, req)
			}
		}
	}

	return nil
}

func validateExpressions(wfName, field string, mapping map[string]any) error {
	var walk func(v any) error

	walk = func(v any) error {
		switch t := v.(type) {
		case string:
			return expr.Validate(t)
		case map[string]any:
			for _, nested := range t {
				if err := walk(nested); err != nil {
					return err
				}
			}
		case []any:
			for _, nested := range t {
				if err := walk(nested); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, v := range mapping {
		if err := walk(v); err != nil {
			return errors.DSLParse("workflow %q: invalid expression in %s: %v", wfName, field, err)
		}
	}

	return nil
}

// ParseWithItems parses the with-items clauses of a task spec.
func ParseWithItems(items StringList) ([]ItemsBinding, error) {
	out := make([]ItemsBinding, 0, len(items))

	for _, item := range items {
		m := withItemsPattern.FindStringSubmatch(item)
		if m == nil {
			return nil, errors.DSLParse(
				"with-items entry %q must have form '<var> in <expression>'", item)
		}
		out = append(out, ItemsBinding{Var: m[1], Expression: strings.TrimSpace(m[2])})
	}

	return out, nil
}

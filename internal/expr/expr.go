// Package expr evaluates DSL expressions against an execution context.
//
// Two dialects are registered: "cel" for <% ... %> blocks and "path" for
// {{ ... }} blocks. A string may embed any number of expressions; when the
// whole string is a single expression the typed result is preserved,
// otherwise results are stringified and concatenated in place.
package expr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/millrace/mill/internal/errors"
)

// Context keys recognised at the top level of the execution context.
const (
	KeyExecution       = "__execution"
	KeyEnv             = "__env"
	KeyTaskExecutionID = "__task_execution_id"
)

// Evaluator evaluates a single expression body (without delimiters).
type Evaluator interface {
	// Validate reports whether the expression compiles.
	Validate(expression string) error
	// Evaluate computes the expression value against the context.
	Evaluate(expression string, ctx map[string]any) (any, error)
}

type dialect struct {
	name      string
	pattern   *regexp.Regexp
	evaluator Evaluator
}

var (
	mu       sync.RWMutex
	dialects []dialect
)

// Register adds an expression dialect recognised by the given delimiter
// pattern. The pattern's first capture group is the expression body.
func Register(name string, pattern *regexp.Regexp, ev Evaluator) {
	mu.Lock()
	defer mu.Unlock()

	for i, d := range dialects {
		if d.name == name {
			dialects[i] = dialect{name, pattern, ev}
			return
		}
	}

	dialects = append(dialects, dialect{name, pattern, ev})
}

func init() {
	Register("cel", regexp.MustCompile(`(?s)<%(.*?)%>`), NewCELEvaluator())
	Register("path", regexp.MustCompile(`(?s)\{\{(.*?)\}\}`), &PathEvaluator{})
}

// HasExpressions reports whether s embeds at least one expression.
func HasExpressions(s string) bool {
	mu.RLock()
	defer mu.RUnlock()

	for _, d := range dialects {
		if d.pattern.MatchString(s) {
			return true
		}
	}

	return false
}

// Validate checks that every expression embedded in s compiles.
func Validate(s string) error {
	mu.RLock()
	defer mu.RUnlock()

	for _, d := range dialects {
		for _, m := range d.pattern.FindAllStringSubmatch(s, -1) {
			if err := d.evaluator.Validate(strings.TrimSpace(m[1])); err != nil {
				return err
			}
		}
	}

	return nil
}

// EvaluateString evaluates all expressions embedded in s. A string that is
// exactly one expression returns the typed result; mixed text interpolates.
func EvaluateString(s string, ctx map[string]any) (any, error) {
	mu.RLock()
	defer mu.RUnlock()

	for _, d := range dialects {
		loc := d.pattern.FindStringSubmatchIndex(s)
		if loc == nil {
			continue
		}

		// Whole-string expression keeps the evaluated type.
		if loc[0] == 0 && loc[1] == len(s) {
			return d.evaluator.Evaluate(strings.TrimSpace(s[loc[2]:loc[3]]), ctx)
		}
	}

	out := s

	for _, d := range dialects {
		var evalErr error

		out = d.pattern.ReplaceAllStringFunc(out, func(m string) string {
			sub := d.pattern.FindStringSubmatch(m)

			v, err := d.evaluator.Evaluate(strings.TrimSpace(sub[1]), ctx)
			if err != nil {
				if evalErr == nil {
					evalErr = err
				}
				return m
			}

			return Stringify(v)
		})

		if evalErr != nil {
			return nil, evalErr
		}
	}

	return out, nil
}

// Evaluate evaluates a string that must be a single expression or a literal.
// Literals are returned unchanged.
func Evaluate(s string, ctx map[string]any) (any, error) {
	if !HasExpressions(s) {
		return s, nil
	}

	return EvaluateString(s, ctx)
}

// EvaluateBool evaluates a guard expression. Empty expressions hold.
func EvaluateBool(s string, ctx map[string]any) (bool, error) {
	if strings.TrimSpace(s) == "" {
		return true, nil
	}

	v, err := Evaluate(s, ctx)
	if err != nil {
		return false, err
	}

	switch b := v.(type) {
	case bool:
		return b, nil
	case nil:
		return false, nil
	default:
		return false, errors.Expression(
			fmt.Sprintf("guard expression %q evaluated to non-boolean %T", s, v), nil)
	}
}

// Render walks data recursively, evaluating embedded expressions against ctx.
// Maps and slices are copied; strings without expressions pass through.
func Render(data any, ctx map[string]any) (any, error) {
	switch v := data.(type) {
	case string:
		if !HasExpressions(v) {
			return v, nil
		}
		return EvaluateString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			rv, err := Render(val, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			rv, err := Render(val, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return data, nil
	}
}

// RenderMap renders a string-keyed mapping, preserving nil as nil.
func RenderMap(data map[string]any, ctx map[string]any) (map[string]any, error) {
	if data == nil {
		return nil, nil
	}

	out, err := Render(data, ctx)
	if err != nil {
		return nil, err
	}

	return out.(map[string]any), nil
}

// Stringify renders a value for interpolation into surrounding text.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool, int, int32, int64, uint64:
		return fmt.Sprintf("%v", t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

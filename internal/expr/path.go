package expr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/millrace/mill/internal/errors"
)

// PathEvaluator resolves pure path lookups like "$.task1.result[0]" against
// the JSON form of the context. It backs the {{ ... }} dialect, which only
// supports data access, never computation.
type PathEvaluator struct{}

var pathPattern = regexp.MustCompile(`^\$?\.?[\w][\w.\-]*(\[\d+\])*([.\[][\w.\-\[\]]*)?$`)

// Validate implements Evaluator.
func (e *PathEvaluator) Validate(expression string) error {
	expression = strings.TrimSpace(expression)

	if expression == "$" {
		return nil
	}
	if !pathPattern.MatchString(expression) {
		return errors.Expression(
			fmt.Sprintf("invalid path expression %q", expression), nil)
	}

	return nil
}

// Evaluate implements Evaluator.
func (e *PathEvaluator) Evaluate(expression string, ctx map[string]any) (any, error) {
	if err := e.Validate(expression); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(ctx)
	if err != nil {
		return nil, errors.Expression("can't serialize context for path lookup", err)
	}

	path := toGJSONPath(strings.TrimSpace(expression))
	if path == "" {
		return ctx, nil
	}

	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil, errors.Expression(
			fmt.Sprintf("path %q not found in context", expression), nil)
	}

	return res.Value(), nil
}

// toGJSONPath converts "$.a.b[0]" into gjson's "a.b.0".
func toGJSONPath(expression string) string {
	p := strings.TrimPrefix(expression, "$")
	p = strings.TrimPrefix(p, ".")
	p = strings.ReplaceAll(p, "[", ".")
	p = strings.ReplaceAll(p, "]", "")

	return p
}

package expr

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"

	"github.com/millrace/mill/internal/errors"
)

// CELEvaluator evaluates expressions with CEL. The DSL keeps the original
// YAQL-flavoured surface: "$" denotes the context root and env(),
// execution() and task_execution_id() read reserved context keys. Those
// forms are rewritten to reserved CEL variables before compilation.
type CELEvaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// celRoot is the variable the context root ("$") rewrites to.
const celRoot = "__ctx"

// celPseudoFuncs maps DSL zero-argument functions to reserved variables.
var celPseudoFuncs = map[string]string{
	"env":               "__env",
	"execution":         "__execution",
	"task_execution_id": "__task_execution_id",
}

// NewCELEvaluator builds the evaluator with the standard environment.
func NewCELEvaluator() *CELEvaluator {
	opts := []cel.EnvOption{
		cel.Variable(celRoot, cel.DynType),
		cel.Variable("__env", cel.DynType),
		cel.Variable("__execution", cel.DynType),
		cel.Variable("__task_execution_id", cel.DynType),
		ext.Strings(),
		ext.Encoders(),
	}

	opts = append(opts, listFunction())

	env, err := cel.NewEnv(opts...)
	if err != nil {
		// The environment is static; a failure here is a programming error.
		panic(fmt.Sprintf("expr: build CEL environment: %v", err))
	}

	return &CELEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}
}

// listFunction declares list(...) for up to five arguments.
func listFunction() cel.EnvOption {
	binding := func(args ...ref.Val) ref.Val {
		items := make([]any, 0, len(args))
		for _, a := range args {
			items = append(items, a.Value())
		}
		return types.DefaultTypeAdapter.NativeToValue(items)
	}

	overloads := make([]cel.FunctionOpt, 0, 6)

	for n := 0; n <= 5; n++ {
		argTypes := make([]*cel.Type, n)
		for i := range argTypes {
			argTypes[i] = cel.DynType
		}
		overloads = append(overloads, cel.Overload(
			fmt.Sprintf("list_%d", n),
			argTypes,
			cel.ListType(cel.DynType),
			cel.FunctionBinding(binding),
		))
	}

	return cel.Function("list", overloads...)
}

// Validate implements Evaluator.
func (e *CELEvaluator) Validate(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate implements Evaluator.
func (e *CELEvaluator) Evaluate(expression string, ctx map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	if ctx == nil {
		ctx = map[string]any{}
	}

	vars := map[string]any{
		celRoot:               ctx,
		"__env":               reservedValue(ctx, KeyEnv),
		"__execution":         reservedValue(ctx, KeyExecution),
		"__task_execution_id": ctx[KeyTaskExecutionID],
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return nil, errors.Expression(
			fmt.Sprintf("can't evaluate expression %q", expression), err)
	}

	return nativeValue(out)
}

func reservedValue(ctx map[string]any, key string) any {
	if v, ok := ctx[key]; ok && v != nil {
		return v
	}
	return map[string]any{}
}

// program returns the compiled program for an expression, caching by the
// rewritten source.
func (e *CELEvaluator) program(expression string) (cel.Program, error) {
	src := rewriteCEL(expression)

	e.mu.RLock()
	prg, ok := e.programs[src]
	e.mu.RUnlock()

	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Expression(
			fmt.Sprintf("can't compile expression %q", expression), issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, errors.Expression(
			fmt.Sprintf("can't build program for expression %q", expression), err)
	}

	e.mu.Lock()
	e.programs[src] = prg
	e.mu.Unlock()

	return prg, nil
}

// rewriteCEL translates the DSL surface syntax into plain CEL. String
// literals are copied untouched.
func rewriteCEL(src string) string {
	var b strings.Builder

	runes := []rune(src)

	for i := 0; i < len(runes); {
		r := runes[i]

		// Copy string literals verbatim.
		if r == '\'' || r == '"' {
			quote := r
			b.WriteRune(r)
			i++
			for i < len(runes) {
				b.WriteRune(runes[i])
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
					b.WriteRune(runes[i])
					i++
					continue
				}
				if runes[i] == quote {
					i++
					break
				}
				i++
			}
			continue
		}

		// "$" denotes the context root.
		if r == '$' {
			b.WriteString(celRoot)
			i++
			continue
		}

		// Identifier: check for pseudo-function calls like env().
		if isIdentStart(r) {
			start := i
			for i < len(runes) && isIdentPart(runes[i]) {
				i++
			}
			word := string(runes[start:i])

			if repl, ok := celPseudoFuncs[word]; ok && hasEmptyCall(runes, i) {
				b.WriteString(repl)
				i = skipEmptyCall(runes, i)
				continue
			}

			b.WriteString(word)
			continue
		}

		b.WriteRune(r)
		i++
	}

	return b.String()
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// hasEmptyCall reports whether runes[i:] starts with "()" modulo spaces.
func hasEmptyCall(runes []rune, i int) bool {
	for i < len(runes) && unicode.IsSpace(runes[i]) {
		i++
	}
	if i >= len(runes) || runes[i] != '(' {
		return false
	}
	i++
	for i < len(runes) && unicode.IsSpace(runes[i]) {
		i++
	}
	return i < len(runes) && runes[i] == ')'
}

func skipEmptyCall(runes []rune, i int) int {
	for runes[i] != ')' {
		i++
	}
	return i + 1
}

// nativeValue converts a CEL value into plain Go types (the same shapes the
// JSON columns round-trip through).
func nativeValue(val ref.Val) (any, error) {
	switch val.Type() {
	case types.NullType:
		return nil, nil
	case types.BoolType, types.IntType, types.UintType, types.DoubleType,
		types.StringType, types.BytesType:
		return val.Value(), nil
	case types.ListType:
		lister, ok := val.(traits.Lister)
		if !ok {
			return val.Value(), nil
		}
		out := []any{}
		it := lister.Iterator()
		for it.HasNext() == types.True {
			item, err := nativeValue(it.Next())
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case types.MapType:
		mapper, ok := val.(traits.Mapper)
		if !ok {
			return val.Value(), nil
		}
		out := map[string]any{}
		it := mapper.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			v, found := mapper.Find(k)
			if !found {
				continue
			}
			nv, err := nativeValue(v)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprintf("%v", k.Value())] = nv
		}
		return out, nil
	default:
		return val.Value(), nil
	}
}

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/millrace/mill/internal/db"
	"github.com/millrace/mill/internal/dsl"
	"github.com/millrace/mill/internal/errors"
	"github.com/millrace/mill/internal/expr"
)

// Task policies run around task execution in a fixed order:
// pause-before and wait-before may defer the start, timeout arms a delayed
// cancellation, retry and wait-after may defer completion, concurrency caps
// with-items fan-out.

// policy hooks into the task lifecycle. Either hook may report deferred=true
// to stop further processing of the task for now.
type policy interface {
	name() string
	beforeTaskStart(ctx context.Context, p *policyRun) (deferred bool, err error)
	afterTaskComplete(ctx context.Context, p *policyRun) (deferred bool, err error)
}

// policyRun carries the state a policy may touch.
type policyRun struct {
	engine   *Engine
	wfEx     *db.WorkflowExecution
	taskEx   *db.TaskExecution
	spec     *dsl.TaskSpec
	dispatch *dispatchState
	// prevState is the persisted task state while afterTaskComplete hooks
	// inspect the prospective terminal state held in taskEx.State.
	prevState State
}

// Runtime context keys used by the policies.
const (
	rtPauseBefore = "pause_before_policy"
	rtWaitBefore  = "wait_before_policy"
	rtWaitAfter   = "wait_after_policy"
	rtRetry       = "retry_task_policy"
	rtConcurrency = "concurrency"
)

// policy config schemas, validated after expression substitution
var policySchemas = map[string]string{
	"pause-before": `{"type": "boolean"}`,
	"wait-before":  `{"type": "integer", "minimum": 0}`,
	"wait-after":   `{"type": "integer", "minimum": 0}`,
	"timeout":      `{"type": "integer", "minimum": 0}`,
	"concurrency":  `{"type": "integer", "minimum": 1}`,
	"retry": `{
		"type": "object",
		"properties": {
			"count": {"type": "integer", "minimum": 0},
			"delay": {"type": "integer", "minimum": 0},
			"break_on": {"type": "string"},
			"continue_on": {"type": "string"}
		},
		"additionalProperties": false
	}`,
}

var (
	compiledSchemas map[string]*jsonschema.Schema
	compileOnce     sync.Once
	compileErr      error
)

func policySchema(name string) (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiledSchemas = make(map[string]*jsonschema.Schema, len(policySchemas))
		c := jsonschema.NewCompiler()
		for n, text := range policySchemas {
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(text)))
			if err != nil {
				compileErr = err
				return
			}
			url := "mill://policies/" + n + ".json"
			if err := c.AddResource(url, doc); err != nil {
				compileErr = err
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				compileErr = err
				return
			}
			compiledSchemas[n] = sch
		}
	})
	if compileErr != nil {
		return nil, compileErr
	}
	return compiledSchemas[name], nil
}

// validatePolicyValue checks an evaluated policy value against its schema.
func validatePolicyValue(policyName string, v any) error {
	sch, err := policySchema(policyName)
	if err != nil {
		return err
	}

	// Round-trip through JSON so numbers take the form the validator expects.
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return err
	}

	if err := sch.Validate(doc); err != nil {
		return errors.InputInvalid(
			"invalid %s policy value %v: %v", policyName, v, err)
	}
	return nil
}

// evalPolicyValue substitutes expressions in a scalar policy value against
// the task context.
func evalPolicyValue(v any, evalCtx map[string]any) (any, error) {
	s, ok := v.(string)
	if !ok || !expr.HasExpressions(s) {
		return v, nil
	}
	return expr.Evaluate(s, evalCtx)
}

// buildPolicies constructs the task's policy chain in the canonical order.
func buildPolicies(spec *dsl.TaskSpec, evalCtx map[string]any) ([]policy, error) {
	var chain []policy

	if spec.PauseBefore != nil {
		v, err := evalPolicyValue(spec.PauseBefore, evalCtx)
		if err != nil {
			return nil, err
		}
		if err := validatePolicyValue("pause-before", v); err != nil {
			return nil, err
		}
		if enabled, _ := v.(bool); enabled {
			chain = append(chain, &pauseBeforePolicy{})
		}
	}

	if spec.WaitBefore != nil {
		delay, err := policySeconds("wait-before", spec.WaitBefore, evalCtx)
		if err != nil {
			return nil, err
		}
		if delay > 0 {
			chain = append(chain, &waitBeforePolicy{delay: delay})
		}
	}

	if spec.Retry != nil {
		p, err := newRetryPolicy(spec.Retry, evalCtx)
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
	}

	if spec.Timeout != nil {
		seconds, err := policySeconds("timeout", spec.Timeout, evalCtx)
		if err != nil {
			return nil, err
		}
		if seconds > 0 {
			chain = append(chain, &timeoutPolicy{seconds: seconds})
		}
	}

	if spec.WaitAfter != nil {
		delay, err := policySeconds("wait-after", spec.WaitAfter, evalCtx)
		if err != nil {
			return nil, err
		}
		if delay > 0 {
			chain = append(chain, &waitAfterPolicy{delay: delay})
		}
	}

	if spec.Concurrency != nil {
		cap, err := policySeconds("concurrency", spec.Concurrency, evalCtx)
		if err != nil {
			return nil, err
		}
		chain = append(chain, &concurrencyPolicy{limit: cap})
	}

	return chain, nil
}

// policySeconds evaluates and validates an integer policy value.
func policySeconds(name string, raw any, evalCtx map[string]any) (int, error) {
	v, err := evalPolicyValue(raw, evalCtx)
	if err != nil {
		return 0, err
	}
	if err := validatePolicyValue(name, v); err != nil {
		return 0, err
	}
	return toInt(v), nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// runtimeFlag reads a {key: {"skip": true}} marker from the task's runtime
// context.
func runtimeFlag(taskEx *db.TaskExecution, key string) bool {
	m, _ := taskEx.RuntimeContext[key].(map[string]any)
	skip, _ := m["skip"].(bool)
	return skip
}

func setRuntimeFlag(taskEx *db.TaskExecution, key string) {
	if taskEx.RuntimeContext == nil {
		taskEx.RuntimeContext = make(map[string]any)
	}
	taskEx.RuntimeContext[key] = map[string]any{"skip": true}
}

type basePolicy struct{}

func (basePolicy) beforeTaskStart(context.Context, *policyRun) (bool, error)   { return false, nil }
func (basePolicy) afterTaskComplete(context.Context, *policyRun) (bool, error) { return false, nil }

// pauseBeforePolicy pauses the workflow before the task runs. The skip flag
// makes resume run the task instead of pausing again.
type pauseBeforePolicy struct{ basePolicy }

func (p *pauseBeforePolicy) name() string { return "pause-before" }

func (p *pauseBeforePolicy) beforeTaskStart(ctx context.Context, r *policyRun) (bool, error) {
	if runtimeFlag(r.taskEx, rtPauseBefore) {
		return false, nil
	}
	setRuntimeFlag(r.taskEx, rtPauseBefore)

	if err := r.engine.setWorkflowState(ctx, r.wfEx, StatePaused, "paused before task '"+r.taskEx.Name+"'"); err != nil {
		return false, err
	}

	return true, nil
}

// waitBeforePolicy delays the task start, parking it in DELAYED.
type waitBeforePolicy struct {
	basePolicy
	delay int
}

func (p *waitBeforePolicy) name() string { return "wait-before" }

func (p *waitBeforePolicy) beforeTaskStart(ctx context.Context, r *policyRun) (bool, error) {
	if runtimeFlag(r.taskEx, rtWaitBefore) {
		return false, nil
	}
	setRuntimeFlag(r.taskEx, rtWaitBefore)

	// A fresh task parks via RUNNING so the transition table holds.
	if State(r.taskEx.State) != StateRunning {
		if err := r.engine.setTaskState(ctx, r.taskEx, StateRunning, ""); err != nil {
			return false, err
		}
	}
	if err := r.engine.setTaskState(ctx, r.taskEx, StateRunningDelayed, ""); err != nil {
		return false, err
	}

	return true, r.engine.scheduleTaskCall(ctx, methodRunTask, r.taskEx.ID,
		time.Duration(p.delay)*time.Second, nil)
}

// timeoutPolicy arms a delayed call that fails the task if it has not
// completed by the deadline.
type timeoutPolicy struct {
	basePolicy
	seconds int
}

func (p *timeoutPolicy) name() string { return "timeout" }

func (p *timeoutPolicy) beforeTaskStart(ctx context.Context, r *policyRun) (bool, error) {
	return false, r.engine.scheduleTaskCall(ctx, methodFailTaskIfIncomplete, r.taskEx.ID,
		time.Duration(p.seconds)*time.Second, nil)
}

// retryPolicy re-runs a failed task up to count times.
type retryPolicy struct {
	basePolicy
	count      int
	delay      int
	breakOn    string
	continueOn string
}

func (p *retryPolicy) name() string { return "retry" }

func newRetryPolicy(spec *dsl.RetrySpec, evalCtx map[string]any) (*retryPolicy, error) {
	count, err := evalPolicyValue(spec.Count, evalCtx)
	if err != nil {
		return nil, err
	}
	delay, err := evalPolicyValue(spec.Delay, evalCtx)
	if err != nil {
		return nil, err
	}

	cfg := map[string]any{"count": count}
	if delay != nil {
		cfg["delay"] = delay
	}
	if spec.BreakOn != "" {
		cfg["break_on"] = spec.BreakOn
	}
	if spec.ContinueOn != "" {
		cfg["continue_on"] = spec.ContinueOn
	}
	if err := validatePolicyValue("retry", cfg); err != nil {
		return nil, err
	}

	return &retryPolicy{
		count:      toInt(count),
		delay:      toInt(delay),
		breakOn:    spec.BreakOn,
		continueOn: spec.ContinueOn,
	}, nil
}

func (p *retryPolicy) retryNo(taskEx *db.TaskExecution) int {
	m, _ := taskEx.RuntimeContext[rtRetry].(map[string]any)
	return toInt(m["retry_no"])
}

func (p *retryPolicy) afterTaskComplete(ctx context.Context, r *policyRun) (bool, error) {
	state := State(r.taskEx.State)
	evalCtx := taskOutboundContext(r.taskEx, nil, false)

	shouldRetry := state == StateError
	if p.continueOn != "" {
		keepGoing, err := expr.EvaluateBool(p.continueOn, evalCtx)
		if err != nil {
			return false, err
		}
		shouldRetry = keepGoing
	}
	if shouldRetry && p.breakOn != "" {
		stop, err := expr.EvaluateBool(p.breakOn, evalCtx)
		if err != nil {
			return false, err
		}
		if stop {
			shouldRetry = false
		}
	}

	retryNo := p.retryNo(r.taskEx)
	if !shouldRetry || retryNo >= p.count {
		return false, nil
	}

	if r.taskEx.RuntimeContext == nil {
		r.taskEx.RuntimeContext = make(map[string]any)
	}
	r.taskEx.RuntimeContext[rtRetry] = map[string]any{"retry_no": retryNo + 1}

	// Previous results are no longer authoritative.
	if err := r.engine.invalidateActionResults(ctx, r.taskEx.ID); err != nil {
		return false, err
	}

	r.taskEx.State = string(r.prevState)

	if p.delay > 0 {
		if err := r.engine.setTaskState(ctx, r.taskEx, StateRunningDelayed,
			fmt.Sprintf("retry #%d of %d", retryNo+1, p.count)); err != nil {
			return false, err
		}
		return true, r.engine.scheduleTaskCall(ctx, methodRunTask, r.taskEx.ID,
			time.Duration(p.delay)*time.Second, nil)
	}

	if err := r.engine.setTaskState(ctx, r.taskEx, StateRunning,
		fmt.Sprintf("retry #%d of %d", retryNo+1, p.count)); err != nil {
		return false, err
	}

	return true, r.engine.scheduleTaskActions(ctx, r.wfEx, r.taskEx, r.spec, r.dispatch)
}

// waitAfterPolicy delays completion processing after the task's actions
// finish.
type waitAfterPolicy struct {
	basePolicy
	delay int
}

func (p *waitAfterPolicy) name() string { return "wait-after" }

func (p *waitAfterPolicy) afterTaskComplete(ctx context.Context, r *policyRun) (bool, error) {
	if runtimeFlag(r.taskEx, rtWaitAfter) {
		return false, nil
	}
	setRuntimeFlag(r.taskEx, rtWaitAfter)

	// Remember the completion outcome; the delayed refresh re-applies it.
	finalState := r.taskEx.State
	r.taskEx.State = string(r.prevState)
	if err := r.engine.setTaskState(ctx, r.taskEx, StateRunningDelayed, ""); err != nil {
		return false, err
	}

	return true, r.engine.scheduleTaskCall(ctx, methodRefreshTaskState, r.taskEx.ID,
		time.Duration(p.delay)*time.Second, map[string]any{"state": finalState})
}

// concurrencyPolicy caps in-flight with-items iterations.
type concurrencyPolicy struct {
	basePolicy
	limit int
}

func (p *concurrencyPolicy) name() string { return "concurrency" }

func (p *concurrencyPolicy) beforeTaskStart(ctx context.Context, r *policyRun) (bool, error) {
	if r.taskEx.RuntimeContext == nil {
		r.taskEx.RuntimeContext = make(map[string]any)
	}
	r.taskEx.RuntimeContext[rtConcurrency] = p.limit
	return false, nil
}

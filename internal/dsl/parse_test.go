package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millrace/mill/internal/errors"
)

func TestParseWorkbook(t *testing.T) {
	wb, err := Parse([]byte(`
version: '2.0'

workflows:
  greet:
    description: Greets somebody.
    input:
      - name
      - greeting: Hello
    tasks:
      say:
        action: std.echo output="<% $.greeting %>, <% $.name %>!"
        publish:
          said: <% $.say %>
        on-success:
          - done
      done:
        action: std.noop
`))
	require.NoError(t, err)

	wf := wb.Workflows["greet"]
	require.NotNil(t, wf)
	assert.Equal(t, "greet", wf.Name)
	assert.Equal(t, TypeDirect, wf.Type, "type defaults to direct")

	require.Len(t, wf.Input, 2)
	assert.Equal(t, "name", wf.Input[0].Name)
	assert.False(t, wf.Input[0].HasDefault)
	assert.Equal(t, "greeting", wf.Input[1].Name)
	assert.True(t, wf.Input[1].HasDefault)
	assert.Equal(t, "Hello", wf.Input[1].Default)

	say := wf.Tasks["say"]
	require.NotNil(t, say)
	assert.Equal(t, "std.echo", say.Action, "inline call folds to bare name")
	assert.Equal(t, "<% $.greeting %>, <% $.name %>!", say.Input["output"])
	assert.Equal(t, TransitionList{{Name: "done"}}, say.OnSuccess)
}

func TestParseTopLevelWorkflowDocument(t *testing.T) {
	wb, err := Parse([]byte(`
version: '2.0'

first:
  tasks:
    t:
      action: std.noop

second:
  tasks:
    t:
      action: std.noop
`))
	require.NoError(t, err)
	assert.Len(t, wb.Workflows, 2)
	assert.Equal(t, "first", wb.Workflows["first"].Name)
	assert.Equal(t, "second", wb.Workflows["second"].Name)
}

func TestParseRejectsWrongVersion(t *testing.T) {
	for _, doc := range []string{
		"version: '1.0'\nworkflows:\n  wf:\n    tasks:\n      t:\n        action: std.noop\n",
		"workflows:\n  wf:\n    tasks:\n      t:\n        action: std.noop\n",
	} {
		_, err := Parse([]byte(doc))
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeDSLParse))
		assert.Contains(t, err.Error(), "version")
	}
}

func TestParseAcceptsUnquotedVersion(t *testing.T) {
	// YAML reads a bare 2.0 as a float.
	_, err := Parse([]byte("version: 2.0\nworkflows:\n  wf:\n    tasks:\n      t:\n        action: std.noop\n"))
	assert.NoError(t, err)
}

func TestParseRejectsEmptyWorkbook(t *testing.T) {
	_, err := Parse([]byte("version: '2.0'\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no workflows")
}

func TestParseRejectsActionAndWorkflowTogether(t *testing.T) {
	_, err := Parse([]byte(`
version: '2.0'
workflows:
  wf:
    tasks:
      t:
        action: std.noop
        workflow: other
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both 'action' and 'workflow'")
}

func TestParseRejectsUnknownTransitionTarget(t *testing.T) {
	_, err := Parse([]byte(`
version: '2.0'
workflows:
  wf:
    tasks:
      t:
        action: std.noop
        on-success:
          - nowhere
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `target "nowhere"`)
}

func TestParseAllowsReservedTargets(t *testing.T) {
	_, err := Parse([]byte(`
version: '2.0'
workflows:
  wf:
    tasks:
      t:
        action: std.noop
        on-error:
          - fail
          - succeed: <% $.ok %>
`))
	assert.NoError(t, err)
}

func TestParseRejectsRequiresInDirectWorkflow(t *testing.T) {
	_, err := Parse([]byte(`
version: '2.0'
workflows:
  wf:
    tasks:
      a:
        action: std.noop
      b:
        action: std.noop
        requires: [a]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reverse")
}

func TestParseReverseWorkflow(t *testing.T) {
	wb, err := Parse([]byte(`
version: '2.0'
workflows:
  wf:
    type: reverse
    tasks:
      a:
        action: std.noop
      b:
        action: std.noop
        requires: [a]
`))
	require.NoError(t, err)
	assert.Equal(t, StringList{"a"}, wb.Workflows["wf"].Tasks["b"].Requires)

	_, err = Parse([]byte(`
version: '2.0'
workflows:
  wf:
    type: reverse
    tasks:
      b:
        action: std.noop
        requires: [ghost]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown task "ghost"`)
}

func TestParseRejectsTransitionsInReverseWorkflow(t *testing.T) {
	_, err := Parse([]byte(`
version: '2.0'
workflows:
  wf:
    type: reverse
    tasks:
      a:
        action: std.noop
        on-success:
          - a
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only valid in direct")
}

func TestParseTaskDefaults(t *testing.T) {
	wb, err := Parse([]byte(`
version: '2.0'
workflows:
  wf:
    task-defaults:
      retry:
        count: 3
        delay: 1
      on-error:
        - cleanup
    tasks:
      work:
        action: std.noop
      override:
        action: std.noop
        retry:
          count: 1
      cleanup:
        action: std.noop
`))
	require.NoError(t, err)

	wf := wb.Workflows["wf"]
	require.NotNil(t, wf.Tasks["work"].Retry)
	assert.Equal(t, 3, wf.Tasks["work"].Retry.Count)
	assert.Equal(t, TransitionList{{Name: "cleanup"}}, wf.Tasks["work"].OnError)
	assert.Equal(t, 1, wf.Tasks["override"].Retry.Count, "task overrides defaults")
}

func TestParseRejectsBadWithItems(t *testing.T) {
	_, err := Parse([]byte(`
version: '2.0'
workflows:
  wf:
    tasks:
      t:
        action: std.noop
        with-items: just a string
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "with-items")
}

func TestParseRejectsInvalidExpression(t *testing.T) {
	_, err := Parse([]byte(`
version: '2.0'
workflows:
  wf:
    tasks:
      t:
        action: std.echo
        input:
          output: <% $.a ++ %>
`))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeDSLParse))
}

func TestParseAdHocActions(t *testing.T) {
	wb, err := Parse([]byte(`
version: '2.0'
workflows:
  wf:
    tasks:
      t:
        action: hello
actions:
  hello:
    base: std.echo output="Hello"
`))
	require.NoError(t, err)

	act := wb.Actions["hello"]
	require.NotNil(t, act)
	assert.Equal(t, "std.echo", act.Base)
	assert.Equal(t, "Hello", act.BaseInput["output"])
}

func TestStoredSpecRoundTrip(t *testing.T) {
	wb, err := Parse([]byte(`
version: '2.0'
workflows:
  wf:
    tasks:
      fan:
        action: std.echo output=1
        join: 2
        on-success:
          - next: <% $.ok %>
      next:
        action: std.noop
`))
	require.NoError(t, err)

	data, err := MarshalSpec(wb.Workflows["wf"])
	require.NoError(t, err)

	spec, err := ParseWorkflowSpec(data)
	require.NoError(t, err)

	fan := spec.Tasks["fan"]
	require.NotNil(t, fan)
	assert.Equal(t, "std.echo", fan.Action)
	assert.Equal(t, TransitionList{{Name: "next", Condition: "<% $.ok %>"}}, fan.OnSuccess)

	// JSON numbers come back as float64; ParseJoin must still accept them.
	join, err := ParseJoin(fan.Join)
	require.NoError(t, err)
	assert.Equal(t, 2, join.Count)
}

func TestParseInlineCall(t *testing.T) {
	name, params, err := ParseInlineCall(`std.http url="http://x/y z" timeout=5 verify=false`)
	require.NoError(t, err)
	assert.Equal(t, "std.http", name)
	assert.Equal(t, map[string]any{"url": "http://x/y z", "timeout": 5, "verify": false}, params)

	_, _, err = ParseInlineCall(`std.echo output="unterminated`)
	assert.Error(t, err)

	_, _, err = ParseInlineCall(`k=v`)
	assert.Error(t, err)
}

func TestParseJoin(t *testing.T) {
	join, err := ParseJoin("all")
	require.NoError(t, err)
	assert.True(t, join.All)

	join, err = ParseJoin("one")
	require.NoError(t, err)
	assert.True(t, join.One)

	join, err = ParseJoin(nil)
	require.NoError(t, err)
	assert.Nil(t, join)

	_, err = ParseJoin("sometimes")
	assert.Error(t, err)

	_, err = ParseJoin(0)
	assert.Error(t, err)

	_, err = ParseJoin(2.5)
	assert.Error(t, err)
}

func TestParseWithItems(t *testing.T) {
	bindings, err := ParseWithItems(StringList{"v in <% $.vms %>", "ip in <% $.ips %>"})
	require.NoError(t, err)
	require.Len(t, bindings, 2)
	assert.Equal(t, ItemsBinding{Var: "v", Expression: "<% $.vms %>"}, bindings[0])
	assert.Equal(t, ItemsBinding{Var: "ip", Expression: "<% $.ips %>"}, bindings[1])

	_, err = ParseWithItems(StringList{"no binding here"})
	assert.Error(t, err)
}

package dsl

import (
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/millrace/mill/internal/errors"
)

// ParseInlineCall splits an inline action or workflow call of the form
//
//	std.echo output="Hello" delay=2
//
// into the call name and a parameter mapping. Parameter values are parsed
// as YAML scalars so numbers, booleans and quoted strings keep their types.
func ParseInlineCall(s string) (string, map[string]any, error) {
	tokens, err := splitInlineTokens(s)
	if err != nil {
		return "", nil, err
	}

	if len(tokens) == 0 {
		return "", nil, errors.DSLParse("empty action call")
	}

	name := tokens[0]
	if strings.Contains(name, "=") {
		return "", nil, errors.DSLParse("action call %q is missing a name", s)
	}

	if len(tokens) == 1 {
		return name, nil, nil
	}

	params := make(map[string]any, len(tokens)-1)

	for _, tok := range tokens[1:] {
		eq := strings.Index(tok, "=")
		if eq <= 0 {
			return "", nil, errors.DSLParse(
				"invalid parameter %q in action call %q, expected key=value", tok, s)
		}

		key := tok[:eq]
		raw := tok[eq+1:]

		var val any
		if err := yaml.Unmarshal([]byte(raw), &val); err != nil {
			return "", nil, errors.DSLParse(
				"invalid value for parameter %q in action call %q", key, s)
		}

		params[key] = val
	}

	return name, params, nil
}

// splitInlineTokens splits on whitespace outside quoted regions.
func splitInlineTokens(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	var quote rune

	for _, r := range s {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case unicode.IsSpace(r):
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}

	if quote != 0 {
		return nil, errors.DSLParse("unterminated quote in action call %q", s)
	}

	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}

	return tokens, nil
}

// Package pipeline implements the two-stage input resolution that runs
// before every component invocation: Stage 1 renders Jinja-style template
// strings against upstream envelope data, Stage 2 coerces the rendered
// strings into typed JSON per the component's declared input schema.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

// Filter is a post-processing step applied after a `|` in a template
// expression, e.g. `{{ name | upper }}`.
type Filter func(v any, args []string) (any, error)

var filters = map[string]Filter{
	"upper": func(v any, _ []string) (any, error) { return strings.ToUpper(toString(v)), nil },
	"lower": func(v any, _ []string) (any, error) { return strings.ToLower(toString(v)), nil },
	"title": func(v any, _ []string) (any, error) { return strings.Title(toString(v)), nil },
	"length": func(v any, _ []string) (any, error) {
		switch t := v.(type) {
		case string:
			return len(t), nil
		case []any:
			return len(t), nil
		case map[string]any:
			return len(t), nil
		default:
			return len(toString(v)), nil
		}
	},
	"default": func(v any, args []string) (any, error) {
		if v == nil || v == "" {
			if len(args) > 0 {
				return strings.Trim(args[0], `"'`), nil
			}
			return "", nil
		}
		return v, nil
	},
	"tojson": func(v any, _ []string) (any, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	},
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// RenderError reports a Stage-1 template failure.
type RenderError struct {
	Field string
	Msg   string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render field %q: %s", e.Field, e.Msg)
}

// Render evaluates every template string in inputs against env, producing a
// map of field name to rendered string.
func Render(inputs map[string]string, env map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(inputs))
	for field, tmpl := range inputs {
		rendered, err := renderTemplate(tmpl, env)
		if err != nil {
			return nil, &RenderError{Field: field, Msg: err.Error()}
		}
		out[field] = rendered
	}
	return out, nil
}

// renderTemplate finds every `{{ ... }}` span in tmpl and substitutes its
// evaluated (and filtered) value, stringified.
func renderTemplate(tmpl string, env map[string]any) (string, error) {
	var sb strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			sb.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return "", fmt.Errorf("unterminated expression in %q", tmpl)
		}
		end += start
		sb.WriteString(rest[:start])
		expression := strings.TrimSpace(rest[start+2 : end])
		val, err := evalPipeline(expression, env)
		if err != nil {
			return "", err
		}
		sb.WriteString(toString(val))
		rest = rest[end+2:]
	}
	return sb.String(), nil
}

// evalPipeline splits expression on unescaped `|` into an expr segment
// followed by zero or more filter calls, evaluating left to right.
func evalPipeline(expression string, env map[string]any) (any, error) {
	segments := splitPipe(expression)
	program, err := expr.Compile(strings.TrimSpace(segments[0]), expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", segments[0], err)
	}
	val, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", segments[0], err)
	}
	for _, seg := range segments[1:] {
		name, args := parseFilterCall(strings.TrimSpace(seg))
		fn, ok := filters[name]
		if !ok {
			return nil, fmt.Errorf("unknown filter %q", name)
		}
		val, err = fn(val, args)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", name, err)
		}
	}
	return val, nil
}

func splitPipe(s string) []string {
	var segs []string
	depth := 0
	last := 0
	for i, r := range s {
		switch r {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case '|':
			if depth == 0 {
				segs = append(segs, s[last:i])
				last = i + 1
			}
		}
	}
	segs = append(segs, s[last:])
	return segs
}

func parseFilterCall(s string) (name string, args []string) {
	open := strings.Index(s, "(")
	if open < 0 {
		return s, nil
	}
	name = strings.TrimSpace(s[:open])
	close := strings.LastIndex(s, ")")
	if close < open {
		return name, nil
	}
	inner := s[open+1 : close]
	if strings.TrimSpace(inner) == "" {
		return name, nil
	}
	for _, a := range strings.Split(inner, ",") {
		args = append(args, strings.TrimSpace(a))
	}
	return name, args
}

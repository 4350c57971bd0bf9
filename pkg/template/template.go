// Package template renders Jinja-style {{ variable }} placeholders inside
// version message templates. Only variable substitution is supported;
// undefined variables fail with the position of the offending placeholder.
package template

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelgateway/relay/pkg/apierror"
)

// Contains reports whether s carries any template placeholder.
func Contains(s string) bool {
	return strings.Contains(s, "{{")
}

// Render expands {{ var }} placeholders in tmpl using vars. Dotted paths
// traverse nested objects. The returned set holds the top-level variable
// names that were consumed. An undefined variable or an unterminated
// placeholder yields invalid_template with line/column details.
func Render(tmpl string, vars map[string]any) (string, map[string]bool, error) {
	used := make(map[string]bool)
	var out strings.Builder

	line, col := 1, 1
	i := 0
	for i < len(tmpl) {
		if strings.HasPrefix(tmpl[i:], "{{") {
			startLine, startCol := line, col
			end := strings.Index(tmpl[i:], "}}")
			if end < 0 {
				return "", nil, templateError("unterminated placeholder", startLine, startCol, "")
			}
			expr := strings.TrimSpace(tmpl[i+2 : i+end])
			if expr == "" {
				return "", nil, templateError("empty placeholder", startLine, startCol, "")
			}

			value, top, ok := lookup(vars, expr)
			if !ok {
				return "", nil, templateError(
					fmt.Sprintf("undefined variable %q", expr), startLine, startCol, expr)
			}
			used[top] = true
			out.WriteString(stringify(value))

			for _, r := range tmpl[i : i+end+2] {
				if r == '\n' {
					line++
					col = 1
				} else {
					col++
				}
			}
			i += end + 2
			continue
		}

		c := tmpl[i]
		out.WriteByte(c)
		if c == '\n' {
			line++
			col = 1
		} else {
			col++
		}
		i++
	}

	return out.String(), used, nil
}

func templateError(message string, line, col int, variable string) error {
	err := apierror.Newf(apierror.KindInvalidTemplate, "%s at line %d, column %d", message, line, col).
		WithDetail("line", line).
		WithDetail("column", col)
	if variable != "" {
		err = err.WithDetail("variable", variable)
	}
	return err
}

// lookup resolves a possibly-dotted expression against vars, returning the
// value and the top-level key it consumed.
func lookup(vars map[string]any, expr string) (any, string, bool) {
	parts := strings.Split(expr, ".")
	top := parts[0]
	value, ok := vars[top]
	if !ok {
		return nil, "", false
	}
	for _, part := range parts[1:] {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, "", false
		}
		value, ok = m[part]
		if !ok {
			return nil, "", false
		}
	}
	return value, top, true
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case bool:
		return fmt.Sprintf("%t", val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}

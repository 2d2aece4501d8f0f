package expr

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"
)

// TemplateError signals a malformed template or a reference to a name that
// is neither a workflow attribute, a column, nor a condition of the action.
// Rendering is fail-closed: any TemplateError aborts the whole run.
type TemplateError struct {
	Msg string
}

func (e *TemplateError) Error() string {
	return "template error: " + e.Msg
}

func templateErrorf(format string, args ...any) error {
	return &TemplateError{Msg: fmt.Sprintf(format, args...)}
}

// RenderContext carries everything a template may reference for one row:
// workflow attributes and column values merged into Values, and the action's
// non-filter conditions already evaluated for the row.
type RenderContext struct {
	Values     map[string]any
	Conditions map[string]Tri
	HTMLEscape bool
}

// Render expands the three supported constructs over the context:
//
//	{{ NAME }}                   value substitution
//	{% if COND %} ... {% endif %} conditional block
//
// No other directive exists. Unknown names and unbalanced blocks yield a
// TemplateError.
func Render(text string, ctx RenderContext) (string, error) {
	out, rest, err := renderBlock(text, ctx, false)
	if err != nil {
		return "", err
	}
	if rest != "" {
		return "", templateErrorf("unexpected {%% endif %%}")
	}
	return out, nil
}

// renderBlock renders until the end of input or, when inIf is set, until the
// matching {% endif %}. Returns the rendered text and the unconsumed tail.
func renderBlock(text string, ctx RenderContext, inIf bool) (string, string, error) {
	var sb strings.Builder
	for {
		varIdx := strings.Index(text, "{{")
		tagIdx := strings.Index(text, "{%")
		if varIdx == -1 && tagIdx == -1 {
			if inIf {
				return "", "", templateErrorf("missing {%% endif %%}")
			}
			sb.WriteString(text)
			return sb.String(), "", nil
		}

		if varIdx != -1 && (tagIdx == -1 || varIdx < tagIdx) {
			sb.WriteString(text[:varIdx])
			end := strings.Index(text[varIdx:], "}}")
			if end == -1 {
				return "", "", templateErrorf("unterminated {{ ... }}")
			}
			name := strings.TrimSpace(text[varIdx+2 : varIdx+end])
			if name == "" {
				return "", "", templateErrorf("empty substitution")
			}
			value, ok := ctx.Values[name]
			if !ok {
				return "", "", templateErrorf("unknown name %q", name)
			}
			sb.WriteString(formatValue(value, ctx.HTMLEscape))
			text = text[varIdx+end+2:]
			continue
		}

		sb.WriteString(text[:tagIdx])
		end := strings.Index(text[tagIdx:], "%}")
		if end == -1 {
			return "", "", templateErrorf("unterminated {%% ... %%}")
		}
		tag := strings.TrimSpace(text[tagIdx+2 : tagIdx+end])
		rest := text[tagIdx+end+2:]

		switch {
		case tag == "endif":
			if !inIf {
				return "", "", templateErrorf("unexpected {%% endif %%}")
			}
			return sb.String(), rest, nil

		case strings.HasPrefix(tag, "if "):
			name := strings.TrimSpace(strings.TrimPrefix(tag, "if "))
			if name == "" {
				return "", "", templateErrorf("empty condition in {%% if %%}")
			}
			result, ok := ctx.Conditions[name]
			if !ok {
				return "", "", templateErrorf("unknown condition %q", name)
			}
			body, tail, err := renderBlock(rest, ctx, true)
			if err != nil {
				return "", "", err
			}
			if result == True {
				sb.WriteString(body)
			}
			text = tail

		default:
			return "", "", templateErrorf("unknown directive %q", tag)
		}
	}
}

// formatValue renders a typed cell value as template output.
func formatValue(v any, escape bool) string {
	var s string
	switch val := v.(type) {
	case nil:
		s = ""
	case string:
		s = val
	case int64:
		s = strconv.FormatInt(val, 10)
	case int:
		s = strconv.Itoa(val)
	case float64:
		s = strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(val)
	case time.Time:
		s = val.Format("2006-01-02 15:04:05")
	default:
		s = fmt.Sprintf("%v", val)
	}
	if escape {
		s = html.EscapeString(s)
	}
	return s
}

// TemplateNames returns the attribute/column names and condition names a
// template references, for edit-time validation and column projection.
func TemplateNames(text string) (values []string, conditions []string, err error) {
	seenVal := make(map[string]struct{})
	seenCond := make(map[string]struct{})
	depth := 0
	for {
		varIdx := strings.Index(text, "{{")
		tagIdx := strings.Index(text, "{%")
		if varIdx == -1 && tagIdx == -1 {
			break
		}
		if varIdx != -1 && (tagIdx == -1 || varIdx < tagIdx) {
			end := strings.Index(text[varIdx:], "}}")
			if end == -1 {
				return nil, nil, templateErrorf("unterminated {{ ... }}")
			}
			name := strings.TrimSpace(text[varIdx+2 : varIdx+end])
			if name == "" {
				return nil, nil, templateErrorf("empty substitution")
			}
			seenVal[name] = struct{}{}
			text = text[varIdx+end+2:]
			continue
		}
		end := strings.Index(text[tagIdx:], "%}")
		if end == -1 {
			return nil, nil, templateErrorf("unterminated {%% ... %%}")
		}
		tag := strings.TrimSpace(text[tagIdx+2 : tagIdx+end])
		switch {
		case tag == "endif":
			depth--
			if depth < 0 {
				return nil, nil, templateErrorf("unexpected {%% endif %%}")
			}
		case strings.HasPrefix(tag, "if "):
			name := strings.TrimSpace(strings.TrimPrefix(tag, "if "))
			if name == "" {
				return nil, nil, templateErrorf("empty condition in {%% if %%}")
			}
			seenCond[name] = struct{}{}
			depth++
		default:
			return nil, nil, templateErrorf("unknown directive %q", tag)
		}
		text = text[tagIdx+end+2:]
	}
	if depth != 0 {
		return nil, nil, templateErrorf("missing {%% endif %%}")
	}
	for name := range seenVal {
		values = append(values, name)
	}
	for name := range seenCond {
		conditions = append(conditions, name)
	}
	return values, conditions, nil
}

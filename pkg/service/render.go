package service

import (
	"fmt"
	"strings"

	"github.com/rowmail/rowmail/pkg/expr"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/storage"
)

// Item is one rendered deliverable: a personalized message, one report, or
// one file of a zip archive.
type Item struct {
	Position  int
	Recipient string
	Subject   string
	Body      string
	Row       map[string]any
}

// htmlOutput reports whether the action type renders HTML (escaped values)
// rather than raw text.
func htmlOutput(t models.ActionType) bool {
	switch t {
	case models.PersonalizedJSON, models.JSONReport:
		return false
	}
	return true
}

// buildItems materializes the action over the table: filter, per-row
// condition evaluation and template rendering. A TemplateError from any row
// aborts the whole build; rendering is fail-closed.
func buildItems(store storage.Store, action models.Action, payload map[string]any) ([]Item, error) {
	wf, err := store.GetWorkflow(action.WorkflowID)
	if err != nil {
		return nil, err
	}

	attrs := make(map[string]any, len(wf.Attributes))
	for k, v := range wf.Attributes {
		attrs[k] = v
	}

	rows, err := filteredRows(store, action)
	if err != nil {
		return nil, err
	}

	if !action.Type.IsPersonalized() {
		item, err := buildReportItem(action, attrs, rows, payload)
		if err != nil {
			return nil, err
		}
		return []Item{item}, nil
	}

	itemColumn, _ := payload["item_column"].(string)
	subject, _ := payload["subject"].(string)
	excluded := excludeSet(payload)
	conditions := action.NonFilterConditions()
	escape := htmlOutput(action.Type)

	var items []Item
	for _, r := range rows {
		recipient := ""
		if v, present := r.values[itemColumn]; present && v != nil {
			recipient = fmt.Sprint(v)
		}
		if recipient == "" || excluded[recipient] {
			continue
		}

		verdicts := make(map[string]expr.Tri, len(conditions))
		for _, c := range conditions {
			verdict, err := expr.Evaluate(c.Formula, r.values)
			if err != nil {
				return nil, err
			}
			verdicts[c.Name] = verdict
		}

		// Every workflow column is referencable even when the row has no
		// cell for it: an absent value renders empty, not as an error.
		values := make(map[string]any, len(attrs)+len(wf.Columns))
		for k, v := range attrs {
			values[k] = v
		}
		for _, c := range wf.Columns {
			values[c.Name] = nil
		}
		for k, v := range r.values {
			values[k] = v
		}

		body, err := expr.Render(action.Text, expr.RenderContext{
			Values:     values,
			Conditions: verdicts,
			HTMLEscape: escape,
		})
		if err != nil {
			return nil, err
		}
		if action.Type == models.RubricText {
			body += rubricFeedback(action, wf.Columns, r.values)
		}

		// The subject is a template too, rendered over the same context.
		renderedSubject, err := expr.Render(subject, expr.RenderContext{
			Values:     values,
			Conditions: verdicts,
		})
		if err != nil {
			return nil, err
		}

		items = append(items, Item{
			Position:  r.position,
			Recipient: recipient,
			Subject:   renderedSubject,
			Body:      body,
			Row:       r.values,
		})
	}
	return items, nil
}

type positionedRow struct {
	position int
	values   map[string]any
}

// filteredRows scans the table keeping only the rows the action's filter
// selects. Null filter verdicts exclude the row.
func filteredRows(store storage.Store, action models.Action) ([]positionedRow, error) {
	cur, err := store.ScanRows(action.WorkflowID)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	filter := action.Filter()
	var out []positionedRow
	for {
		pos, row, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		if filter != nil && filter.Formula != nil {
			verdict, err := expr.Evaluate(filter.Formula, row)
			if err != nil {
				return nil, err
			}
			if !verdict.AsBool() {
				continue
			}
		}
		out = append(out, positionedRow{position: pos, values: row})
	}
}

// buildReportItem renders the single aggregate item of a report action.
// Each referenced column expands to the comma-separated list of its values
// over the filtered rows.
func buildReportItem(action models.Action, attrs map[string]any, rows []positionedRow, payload map[string]any) (Item, error) {
	names, _, err := expr.TemplateNames(action.Text)
	if err != nil {
		return Item{}, err
	}
	values := make(map[string]any, len(attrs)+len(names))
	for k, v := range attrs {
		values[k] = v
	}
	for _, name := range names {
		if _, isAttr := attrs[name]; isAttr {
			continue
		}
		var parts []string
		for _, r := range rows {
			if v, present := r.values[name]; present && v != nil {
				parts = append(parts, fmt.Sprint(v))
			}
		}
		values[name] = strings.Join(parts, ", ")
	}
	body, err := expr.Render(action.Text, expr.RenderContext{
		Values:     values,
		HTMLEscape: htmlOutput(action.Type),
	})
	if err != nil {
		return Item{}, err
	}
	recipient, _ := payload["email_to"].(string)
	subject, _ := payload["subject"].(string)
	return Item{Recipient: recipient, Subject: subject, Body: body}, nil
}

// rubricFeedback assembles the per-criterion feedback list for one row. The
// row's value in a criterion column names a level of attainment; its index
// in the column's category set selects the rubric cell whose feedback text
// is included.
func rubricFeedback(action models.Action, columns []models.Column, row map[string]any) string {
	categories := make(map[string][]string, len(columns))
	for _, c := range columns {
		categories[c.Name] = c.Categories
	}
	var sb strings.Builder
	for _, b := range action.Bindings {
		v, present := row[b.ColumnName]
		if !present || v == nil {
			continue
		}
		idx := -1
		for i, level := range categories[b.ColumnName] {
			if level == fmt.Sprint(v) {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		for _, cell := range action.RubricCells {
			if cell.ColumnName == b.ColumnName && cell.LOAIndex == idx && cell.Feedback != "" {
				if sb.Len() == 0 {
					sb.WriteString("<ul>")
				}
				sb.WriteString("<li>")
				sb.WriteString(cell.Feedback)
				sb.WriteString("</li>")
			}
		}
	}
	if sb.Len() > 0 {
		sb.WriteString("</ul>")
	}
	return sb.String()
}

// excludeSet normalizes the exclude_values payload field into a string set.
func excludeSet(payload map[string]any) map[string]bool {
	out := make(map[string]bool)
	switch vals := payload["exclude_values"].(type) {
	case []string:
		for _, v := range vals {
			out[v] = true
		}
	case []any:
		for _, v := range vals {
			out[fmt.Sprint(v)] = true
		}
	}
	return out
}

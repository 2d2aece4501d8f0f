package service

import (
	"github.com/rowmail/rowmail/pkg/models"
)

// typeSpec describes one action type: the run event it records, whether a
// run dispatches items and which payload fields the run requires.
type typeSpec struct {
	runEvent       string
	itemEvent      string
	requiredParams []string
}

// typeRegistry is the closed table driving validation and the pipeline.
// Adding an action type means adding a row here and a sink for it.
var typeRegistry = map[models.ActionType]typeSpec{
	models.PersonalizedText: {
		runEvent:       models.EventActionRunEmail,
		itemEvent:      models.EventActionEmailSent,
		requiredParams: []string{"item_column", "subject"},
	},
	models.EmailReport: {
		runEvent:       models.EventActionRunEmailReport,
		itemEvent:      models.EventActionReportEmailSent,
		requiredParams: []string{"email_to", "subject"},
	},
	models.PersonalizedJSON: {
		runEvent:       models.EventActionRunJSON,
		itemEvent:      models.EventActionJSONSent,
		requiredParams: []string{"item_column", "token"},
	},
	models.JSONReport: {
		runEvent:       models.EventActionRunJSONReport,
		itemEvent:      models.EventActionReportJSONSent,
		requiredParams: []string{"token"},
	},
	models.PersonalizedCanvasEmail: {
		runEvent:       models.EventActionRunCanvasEmail,
		itemEvent:      models.EventActionCanvasEmailSent,
		requiredParams: []string{"item_column", "subject", "canvas_instance"},
	},
	models.ZipOperation: {
		runEvent:       models.EventActionZip,
		requiredParams: []string{"item_column"},
	},
	models.Survey: {
		runEvent: models.EventActionRunSurvey,
	},
	models.TodoList: {
		runEvent: models.EventActionRunTodoList,
	},
	models.RubricText: {
		runEvent:       models.EventActionRunRubric,
		itemEvent:      models.EventActionEmailSent,
		requiredParams: []string{"item_column", "subject"},
	},
}

// RunEvent returns the audit event kind recorded for running the given
// action type.
func RunEvent(t models.ActionType) string {
	return typeRegistry[t].runEvent
}

// validateRunParams checks the presence of the type's required payload
// fields before any state changes.
func validateRunParams(t models.ActionType, payload map[string]any) error {
	spec, ok := typeRegistry[t]
	if !ok {
		return models.NewValidationError("unknown action type %q", t)
	}
	for _, field := range spec.requiredParams {
		v, present := payload[field]
		if !present || v == nil || v == "" {
			return models.NewValidationError("run payload missing %q", field)
		}
	}
	return nil
}

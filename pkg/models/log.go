package models

import "time"

// Event kinds form a closed set. Every significant operation appends exactly
// one entry; per-item delivery events are appended alongside the governing
// run entry.
const (
	EventActionCanvasEmailSent = "action_canvas_email_sent"
	EventActionClone           = "action_clone"
	EventActionCreate          = "action_create"
	EventActionDelete          = "action_delete"
	EventActionDownload        = "download_zip_action"
	EventActionEmailNotify     = "action_email_notify"
	EventActionEmailRead       = "action_email_read"
	EventActionEmailSent       = "action_email_sent"
	EventActionImport          = "action_import"
	EventActionJSONSent        = "action_json_sent"
	EventActionReportEmailSent = "action_report_email_sent"
	EventActionReportJSONSent  = "action_report_json_sent"

	EventQuestionAdd           = "question_add"
	EventQuestionRemove        = "question_remove"
	EventQuestionToggleChanges = "question_toggle_changes"
	EventTodoItemAdd           = "todoitem_add"
	EventTodoItemToggleChanges = "todoitem_toggle_changes"

	EventRubricCriterionAdd    = "action_rubric_criterion_add"
	EventRubricCriterionEdit   = "action_rubric_criterion_edit"
	EventRubricCriterionDelete = "action_rubric_criterion_delete"
	EventRubricCellEdit        = "action_rubric_cell_edit"
	EventRubricLOAEdit         = "action_rubric_loa_edit"

	EventActionRunEmail       = "action_run_personalized_email"
	EventActionRunEmailReport = "action_run_email_report"
	EventActionRunJSON        = "action_run_personalized_json"
	EventActionRunJSONReport  = "action_run_json_report"
	EventActionRunCanvasEmail = "action_run_personalized_canvas_email"
	EventActionRunSurvey      = "action_run_survey"
	EventActionRunTodoList    = "action_run_todolist"
	EventActionRunRubric      = "action_run_rubric_text"
	EventActionZip            = "action_zip"

	EventActionServeToggled  = "action_serve_toggled"
	EventActionServedExecute = "action_served_execute"
	EventActionSurveyInput   = "survey_input"
	EventActionTodoInput     = "todo_input"
	EventActionUpdate        = "action_update"

	EventColumnAdd      = "column_add"
	EventColumnClone    = "column_clone"
	EventColumnDelete   = "column_delete"
	EventColumnEdit     = "column_edit"
	EventColumnRestrict = "column_restrict"

	EventConditionClone  = "condition_clone"
	EventConditionCreate = "condition_create"
	EventConditionDelete = "condition_delete"
	EventConditionUpdate = "condition_update"

	EventPluginCreate  = "plugin_create"
	EventPluginDelete  = "plugin_delete"
	EventPluginExecute = "plugin_execute"
	EventPluginUpdate  = "plugin_update"

	EventScheduleCreate = "schedule_create"
	EventScheduleEdit   = "schedule_edit"
	EventScheduleDelete = "schedule_delete"

	EventViewClone  = "view_clone"
	EventViewCreate = "view_create"
	EventViewDelete = "view_delete"
	EventViewEdit   = "view_edit"

	EventWorkflowAttributeCreate    = "workflow_attribute_create"
	EventWorkflowAttributeUpdate    = "workflow_attribute_update"
	EventWorkflowAttributeDelete    = "workflow_attribute_delete"
	EventWorkflowClone              = "workflow_clone"
	EventWorkflowCreate             = "workflow_create"
	EventWorkflowDataFlush          = "workflow_data_flush"
	EventWorkflowDataRowUpdate      = "tablerow_update"
	EventWorkflowDataRowCreate      = "tablerow_create"
	EventWorkflowDelete             = "workflow_delete"
	EventWorkflowImport             = "workflow_import"
	EventWorkflowIncreaseTrackCount = "workflow_increase_track_count"
	EventWorkflowShareAdd           = "workflow_share_add"
	EventWorkflowShareDelete        = "workflow_share_delete"
	EventWorkflowUpdate             = "workflow_update"
)

// Run status values for the governing log entry of a run. Transitions are
// strictly monotonic: Preparing -> Executing -> finished or error, and the
// status field is the only mutation a log entry ever receives.
const (
	RunStatusPreparing   = "Preparing"
	RunStatusExecuting   = "Executing"
	RunStatusDone        = "Execution finished successfully"
	RunStatusErrorPrefix = "Error: "
)

// LogEntry is an append-only audit record. Entries are never modified or
// deleted except for the governing run entry's status field and workflow
// teardown.
type LogEntry struct {
	ID         int64          `json:"id" db:"id"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	User       string         `json:"user" db:"user_email"`
	WorkflowID int64          `json:"workflow_id" db:"workflow_id"`
	Event      string         `json:"event" db:"event"`
	Status     string         `json:"status,omitempty" db:"status"`
	Payload    map[string]any `json:"payload"`
}

// runStatusRank orders the monotonic run status ladder.
func runStatusRank(status string) int {
	switch {
	case status == RunStatusPreparing:
		return 0
	case status == RunStatusExecuting:
		return 1
	case status == RunStatusDone:
		return 2
	case len(status) >= len(RunStatusErrorPrefix) && status[:len(RunStatusErrorPrefix)] == RunStatusErrorPrefix:
		return 2
	}
	return -1
}

// CanTransitionRunStatus enforces the monotonic status ladder.
func CanTransitionRunStatus(from, to string) bool {
	fr, tr := runStatusRank(from), runStatusRank(to)
	return fr >= 0 && tr >= 0 && tr > fr
}

package service_test

import (
	"archive/zip"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/service"
	"github.com/rowmail/rowmail/pkg/storage"
)

// seedZipCourse builds a workflow keyed by Moodle participant ids with a zip
// action attached.
func seedZipCourse(t *testing.T, st storage.Store) (int64, int64) {
	t.Helper()
	wfID, err := st.SaveWorkflow(models.Workflow{Name: "uploads", KeyColumn: "participant"})
	require.NoError(t, err)

	cols := []models.Column{
		{WorkflowID: wfID, Name: "participant", Type: models.StringType, Position: 1, IsKey: true},
		{WorkflowID: wfID, Name: "name", Type: models.StringType, Position: 2},
		{WorkflowID: wfID, Name: "grade", Type: models.IntegerType, Position: 3},
	}
	for _, c := range cols {
		_, err := st.SaveColumn(c)
		require.NoError(t, err)
	}
	rows := []map[string]any{
		{"participant": "Participant 11", "name": "Ann", "grade": int64(9)},
		{"participant": "Participant 12", "name": "Bob", "grade": int64(4)},
	}
	for _, r := range rows {
		_, err := st.AppendRow(wfID, r)
		require.NoError(t, err)
	}

	actionID, err := st.SaveAction(models.Action{
		WorkflowID: wfID,
		Name:       "feedback files",
		Type:       models.ZipOperation,
		Text:       "<p>{{ name }}, your grade is {{ grade }}.</p>",
	})
	require.NoError(t, err)
	return wfID, actionID
}

func archiveNames(t *testing.T, data []byte) map[string]string {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	files := map[string]string{}
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		files[f.Name] = string(body)
	}
	return files
}

func TestBuildZipMoodleNaming(t *testing.T) {
	st := storage.NewMockStore()
	_, actionID := seedZipCourse(t, st)
	action, err := st.GetAction(actionID)
	require.NoError(t, err)

	name, data, packed, err := service.BuildZip(st, action, map[string]any{
		"item_column":       "participant",
		"user_fname_column": "name",
		"zip_for_moodle":    true,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "rowmail_zip_action_"), name)
	assert.True(t, strings.HasSuffix(name, ".zip"), name)
	assert.Equal(t, 2, packed)

	files := archiveNames(t, data)
	require.Len(t, files, 2)
	assert.Contains(t, files, "Ann_11_assignsubmission_file_/11_feedback.html")
	assert.Contains(t, files, "Bob_12_assignsubmission_file_/12_feedback.html")
	assert.Contains(t, files["Ann_11_assignsubmission_file_/11_feedback.html"],
		"<p>Ann, your grade is 9.</p>")
}

func TestBuildZipPlainNaming(t *testing.T) {
	st := storage.NewMockStore()
	_, actionID := seedZipCourse(t, st)
	action, err := st.GetAction(actionID)
	require.NoError(t, err)

	name, data, _, err := service.BuildZip(st, action, map[string]any{
		"item_column":       "participant",
		"user_fname_column": "name",
		"file_suffix":       "review.html",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(name, ".zip"))

	files := archiveNames(t, data)
	assert.Contains(t, files, "Participant 11_Ann_review.html")
	assert.Contains(t, files, "Participant 12_Bob_review.html")
}

func TestBuildZipMoodleRejectsBadParticipant(t *testing.T) {
	st := storage.NewMockStore()
	wfID, actionID := seedZipCourse(t, st)
	_, err := st.AppendRow(wfID, map[string]any{"participant": "stray", "name": "Zoe"})
	require.NoError(t, err)
	action, err := st.GetAction(actionID)
	require.NoError(t, err)

	_, _, _, err = service.BuildZip(st, action, map[string]any{
		"item_column":    "participant",
		"zip_for_moodle": true,
	})
	assert.True(t, models.IsValidation(err))
}

func TestRunZipRecordsRun(t *testing.T) {
	st := storage.NewMockStore()
	wfID, actionID := seedZipCourse(t, st)
	_, runs := startDispatcher(t, st, &fakeSink{})

	// The first-name column is optional; item values name the files alone.
	_, data, err := runs.RunZip("teacher@uni.edu", actionID, map[string]any{
		"item_column": "participant",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	logs, err := st.ListLogs(wfID, models.EventActionZip, 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.RunStatusDone, logs[0].Status)
	assert.Equal(t, 2, logs[0].Payload["objects_sent"])
	assert.Equal(t, false, logs[0].Payload["filter_present"])
}

package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_http "github.com/rowmail/rowmail/internal/http"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/service"
	"github.com/rowmail/rowmail/pkg/storage"
)

type serverLogger struct{}

func (l *serverLogger) Infof(format string, args ...interface{})  {}
func (l *serverLogger) Warnf(format string, args ...interface{})  {}
func (l *serverLogger) Errorf(format string, args ...interface{}) {}

type captureSink struct{ items []service.Item }

func (s *captureSink) Deliver(_ context.Context, _ *service.RunJob, item service.Item) error {
	s.items = append(s.items, item)
	return nil
}

type testServer struct {
	router   *gin.Engine
	store    storage.Store
	tracker  *service.Tracker
	sessions service.SessionStore
	sink     *captureSink
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := storage.NewMockStore()
	tracker := service.NewTracker(st, "test-secret", "https://rowmail.example")
	d := service.NewDispatcher(context.Background(), st, tracker, service.DispatchConfig{}, &serverLogger{})
	sink := &captureSink{}
	d.RegisterSink(models.PersonalizedText, sink)
	d.Start(1)
	t.Cleanup(d.Stop)

	runs := service.NewRunService(st, d)
	scheduler := service.NewScheduler(st, runs, &serverLogger{}, time.Second)
	sessions := service.NewMemorySessions()
	srv := internal_http.NewServer(st, runs, scheduler, tracker, sessions,
		service.NewMemoryDialogs(), service.NewMemoryLocker())
	return &testServer{
		router:   srv.Router(),
		store:    st,
		tracker:  tracker,
		sessions: sessions,
		sink:     sink,
	}
}

func (ts *testServer) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) login(t *testing.T, user string) string {
	t.Helper()
	token, err := ts.sessions.Create(context.Background(), user, time.Hour)
	require.NoError(t, err)
	return token
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeBody(t, w)["status"])
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodPost, "/api/v1/sessions", "", map[string]any{
		"email": "teacher@uni.edu",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	token, _ := decodeBody(t, w)["token"].(string)
	require.NotEmpty(t, token)

	w = ts.request(t, http.MethodGet, "/api/v1/workflows", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	t.Run("rejects malformed email", func(t *testing.T) {
		w := ts.request(t, http.MethodPost, "/api/v1/sessions", "", map[string]any{
			"email": "not-an-address",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects missing token", func(t *testing.T) {
		w := ts.request(t, http.MethodGet, "/api/v1/workflows", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("rejects bogus token", func(t *testing.T) {
		w := ts.request(t, http.MethodGet, "/api/v1/workflows", "bogus", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestWorkflowEndpoints(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "teacher@uni.edu")

	w := ts.request(t, http.MethodPost, "/api/v1/workflows", token, map[string]any{
		"name": "course",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeBody(t, w)["id"].(float64)
	assert.NotZero(t, id)

	t.Run("duplicate name rejected", func(t *testing.T) {
		w := ts.request(t, http.MethodPost, "/api/v1/workflows", token, map[string]any{
			"name": "course",
		})
		assert.GreaterOrEqual(t, w.Code, 400)
	})

	w = ts.request(t, http.MethodGet, "/api/v1/workflows", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"course"`)

	t.Run("unknown workflow is 404", func(t *testing.T) {
		w := ts.request(t, http.MethodGet, "/api/v1/workflows/999", token, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid id is 400", func(t *testing.T) {
		w := ts.request(t, http.MethodGet, "/api/v1/workflows/abc", token, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func seedHTTPCourse(t *testing.T, st storage.Store) (int64, int64) {
	t.Helper()
	wfID, err := st.SaveWorkflow(models.Workflow{Name: "course", KeyColumn: "email"})
	require.NoError(t, err)
	cols := []models.Column{
		{WorkflowID: wfID, Name: "email", Type: models.StringType, Position: 1, IsKey: true},
		{WorkflowID: wfID, Name: "name", Type: models.StringType, Position: 2},
	}
	for _, c := range cols {
		_, err := st.SaveColumn(c)
		require.NoError(t, err)
	}
	_, err = st.AppendRow(wfID, map[string]any{"email": "ann@uni.edu", "name": "Ann"})
	require.NoError(t, err)
	actionID, err := st.SaveAction(models.Action{
		WorkflowID: wfID, Name: "welcome", Type: models.PersonalizedText,
		Text: "Hi {{ name }}",
	})
	require.NoError(t, err)
	return wfID, actionID
}

func TestRunActionEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "teacher@uni.edu")
	_, actionID := seedHTTPCourse(t, ts.store)

	w := ts.request(t, http.MethodPost,
		"/api/v1/actions/"+itoa(actionID)+"/run", token, map[string]any{
			"item_column": "email",
			"subject":     "Welcome",
		})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	runID := decodeBody(t, w)["run_id"].(float64)
	require.NotZero(t, runID)

	// The run endpoint reports the entry once finished.
	deadline := time.Now().Add(2 * time.Second)
	for {
		w = ts.request(t, http.MethodGet, "/api/v1/runs/"+itoa(int64(runID)), token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		if decodeBody(t, w)["status"] == models.RunStatusDone || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, models.RunStatusDone, decodeBody(t, w)["status"])

	t.Run("validation failure is 400", func(t *testing.T) {
		w := ts.request(t, http.MethodPost,
			"/api/v1/actions/"+itoa(actionID)+"/run", token, map[string]any{
				"subject": "no item column",
			})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRunDialogEndpoints(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "teacher@uni.edu")
	wfID, actionID := seedHTTPCourse(t, ts.store)
	_, err := ts.store.AppendRow(wfID, map[string]any{"email": "bob@uni.edu", "name": "Bob"})
	require.NoError(t, err)
	base := "/api/v1/actions/" + itoa(actionID) + "/dialog"

	w := ts.request(t, http.MethodPost, base, token, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "collect_params", decodeBody(t, w)["state"])

	t.Run("items before params is 400", func(t *testing.T) {
		w := ts.request(t, http.MethodGet, base+"/items", token, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	w = ts.request(t, http.MethodPut, base+"/params", token, map[string]any{
		"item_column":   "email",
		"subject":       "Welcome",
		"confirm_items": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "exclude_items", decodeBody(t, w)["state"])

	w = ts.request(t, http.MethodGet, base+"/items", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ann@uni.edu")
	assert.Contains(t, w.Body.String(), "bob@uni.edu")

	w = ts.request(t, http.MethodPut, base+"/exclude", token, map[string]any{
		"values": []string{"bob@uni.edu"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.request(t, http.MethodPost, base+"/confirm", token, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, "done", body["state"])
	runID := body["log_id"].(float64)
	require.NotZero(t, runID)

	deadline := time.Now().Add(2 * time.Second)
	for {
		w = ts.request(t, http.MethodGet, "/api/v1/runs/"+itoa(int64(runID)), token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		if decodeBody(t, w)["status"] == models.RunStatusDone || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, models.RunStatusDone, decodeBody(t, w)["status"])

	sent, err := ts.store.ListLogs(wfID, models.EventActionEmailSent, 0, 0)
	require.NoError(t, err)
	require.Len(t, sent, 1, "the excluded recipient does not get an item")
	assert.Equal(t, "ann@uni.edu", sent[0].Payload["to"])

	t.Run("dispatched run cannot be cancelled", func(t *testing.T) {
		w := ts.request(t, http.MethodDelete, base, token, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRunDialogCancelBeforeDispatch(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "teacher@uni.edu")
	wfID, actionID := seedHTTPCourse(t, ts.store)
	base := "/api/v1/actions/" + itoa(actionID) + "/dialog"

	w := ts.request(t, http.MethodPost, base, token, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	w = ts.request(t, http.MethodPut, base+"/params", token, map[string]any{
		"item_column":   "email",
		"subject":       "Welcome",
		"confirm_items": true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.request(t, http.MethodDelete, base, token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.request(t, http.MethodGet, base, token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "the staged run is gone")

	runs, err := ts.store.ListLogs(wfID, models.EventActionRunEmail, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, runs, "nothing reached the log before dispatch")
}

func TestTrackingPixelAlwaysAnswers(t *testing.T) {
	ts := newTestServer(t)
	wfID, actionID := seedHTTPCourse(t, ts.store)
	_, err := ts.store.SaveColumn(models.Column{
		WorkflowID: wfID, Name: "EmailRead_1", Type: models.IntegerType, Position: 3,
	})
	require.NoError(t, err)

	token, err := ts.tracker.Sign(service.TrackPayload{
		ActionID: actionID, Sender: "teacher@uni.edu", Recipient: "ann@uni.edu",
		ColumnTo: "email", ColumnDst: "EmailRead_1",
	})
	require.NoError(t, err)

	w := ts.request(t, http.MethodGet, "/trck?v="+token, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/gif", w.Header().Get("Content-Type"))

	reads, err := ts.store.ListLogs(wfID, models.EventActionEmailRead, 0, 0)
	require.NoError(t, err)
	assert.Len(t, reads, 1)

	t.Run("garbage token still gets the pixel", func(t *testing.T) {
		w := ts.request(t, http.MethodGet, "/trck?v=garbage", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "image/gif", w.Header().Get("Content-Type"))
	})
}

func TestSurveyEndpoints(t *testing.T) {
	ts := newTestServer(t)
	wfID, _ := seedHTTPCourse(t, ts.store)
	_, err := ts.store.SaveColumn(models.Column{
		WorkflowID: wfID, Name: "q_feedback", Type: models.StringType, Position: 3,
	})
	require.NoError(t, err)
	surveyID, err := ts.store.SaveAction(models.Action{
		WorkflowID: wfID, Name: "week 1 survey", Type: models.Survey, ServeEnabled: true,
	})
	require.NoError(t, err)
	_, err = ts.store.SaveBinding(models.Binding{
		ActionID: surveyID, ColumnName: "q_feedback", ChangesAllowed: true, Position: 1,
	})
	require.NoError(t, err)

	learner := ts.login(t, "ann@uni.edu")
	w := ts.request(t, http.MethodGet, "/api/v1/survey/"+itoa(surveyID), learner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "q_feedback")

	w = ts.request(t, http.MethodPost, "/api/v1/survey/"+itoa(surveyID), learner, map[string]any{
		"q_feedback": "all good",
	})
	require.Equal(t, http.StatusOK, w.Code)

	t.Run("stranger gets 404", func(t *testing.T) {
		stranger := ts.login(t, "ghost@uni.edu")
		w := ts.request(t, http.MethodGet, "/api/v1/survey/"+itoa(surveyID), stranger, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestCloneAndExportEndpoints(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "teacher@uni.edu")
	wfID, actionID := seedHTTPCourse(t, ts.store)

	w := ts.request(t, http.MethodPost, "/api/v1/actions/"+itoa(actionID)+"/clone", token, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "Copy of welcome")

	w = ts.request(t, http.MethodGet, "/api/v1/workflows/"+itoa(wfID)+"/export", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/gzip", w.Header().Get("Content-Type"))
	exported := w.Body.Bytes()

	w = ts.request(t, http.MethodPost, "/api/v1/workflows/import", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty body is not an archive")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/import", bytes.NewReader(exported))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "Copy of course")
}

func TestScheduleEndpoints(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "teacher@uni.edu")
	wfID, actionID := seedHTTPCourse(t, ts.store)

	at := time.Now().Add(time.Hour).Format(time.RFC3339)
	w := ts.request(t, http.MethodPost, "/api/v1/workflows/"+itoa(wfID)+"/schedules", token, map[string]any{
		"action_id":      actionID,
		"name":           "weekly",
		"operation_type": string(models.PersonalizedText),
		"enabled":        true,
		"execute_at":     at,
		"payload": map[string]any{
			"item_column": "email",
			"subject":     "s",
			"user":        "teacher@uni.edu",
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	schedID := decodeBody(t, w)["id"].(float64)

	w = ts.request(t, http.MethodGet, "/api/v1/workflows/"+itoa(wfID)+"/schedules", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"weekly"`)

	w = ts.request(t, http.MethodDelete, "/api/v1/schedules/"+itoa(int64(schedID)), token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

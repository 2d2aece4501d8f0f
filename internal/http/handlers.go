package http

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rowmail/rowmail/internal/log"
	"github.com/rowmail/rowmail/pkg/codec"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/service"
)

// pixelGIF is the 1x1 transparent image returned by the tracking endpoint.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// trackPixel records an email-open event. It answers 200 with the pixel no
// matter what: a broken token must not surface an error inside a mail
// client.
func (s *Server) trackPixel(c *gin.Context) {
	if token := c.Query("v"); token != "" {
		if err := s.tracker.TrackOpen(token); err != nil {
			log.GetLogger().Warnf("Failed to process tracking token: %v", err)
		}
	}
	c.Data(http.StatusOK, "image/gif", pixelGIF)
}

type createSessionRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// createSession issues a session token for an already-authenticated
// principal. Identity verification happens upstream.
func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := s.sessions.Create(c.Request.Context(), req.Email, sessionTTL)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (s *Server) listWorkflows(c *gin.Context) {
	workflows, err := s.workflows.ListWorkflows()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows})
}

type createWorkflowRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) createWorkflow(c *gin.Context) {
	var req createWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.workflows.CreateWorkflow(currentUser(c), req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) getWorkflow(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	wf, err := s.workflows.GetWorkflow(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (s *Server) deleteWorkflow(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	user := currentUser(c)
	if err := s.locker.Acquire(c.Request.Context(), id, user); err != nil {
		fail(c, err)
		return
	}
	defer func() {
		if err := s.locker.Release(c.Request.Context(), id, user); err != nil {
			log.GetLogger().Warnf("Failed to release lock on workflow %d: %v", id, err)
		}
	}()
	if err := s.workflows.DeleteWorkflow(user, id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "workflow deleted"})
}

func (s *Server) flushWorkflow(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	user := currentUser(c)
	if err := s.locker.Acquire(c.Request.Context(), id, user); err != nil {
		fail(c, err)
		return
	}
	defer func() {
		if err := s.locker.Release(c.Request.Context(), id, user); err != nil {
			log.GetLogger().Warnf("Failed to release lock on workflow %d: %v", id, err)
		}
	}()
	if err := s.workflows.FlushData(user, id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "data flushed"})
}

func (s *Server) cloneWorkflow(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	wf, err := s.actions.CloneWorkflow(currentUser(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}

func (s *Server) exportWorkflow(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	includeRows := c.DefaultQuery("rows", "true") == "true"
	data, err := codec.Export(s.store, id, nil, includeRows)
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="workflow.gz"`)
	c.Data(http.StatusOK, "application/gzip", data)
}

func (s *Server) importWorkflow(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	wf, err := codec.Import(s.store, currentUser(c), data)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}

func (s *Server) importActions(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actions, err := codec.ImportActions(s.store, currentUser(c), id, data)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, actions)
}

func (s *Server) listLogs(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := s.store.ListLogs(id, c.Query("event"), offset, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}

func (s *Server) listSchedules(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ops, err := s.store.ListScheduledOps(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": ops})
}

func (s *Server) createSchedule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var op models.ScheduledOp
	if err := c.ShouldBindJSON(&op); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	op.WorkflowID = id
	created, err := s.scheduler.Create(currentUser(c), op)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) deleteSchedule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.scheduler.Delete(currentUser(c), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "schedule deleted"})
}

func (s *Server) getAction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	action, err := s.store.GetAction(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) cloneAction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	action, err := s.actions.CloneAction(currentUser(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, action)
}

// runAction queues an outbound action and answers with the id of the
// governing log entry.
func (s *Server) runAction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	payload := map[string]any{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	logID, err := s.runs.Run(c.Request.Context(), currentUser(c), id, payload)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": logID})
}

// The dialog endpoints walk a run through collect_params, the optional
// exclude_items review, and dispatch. The staged payload never leaves the
// server; the client only sees the dialog state.

func (s *Server) startDialog(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	d, err := s.dialogs.Start(c.Request.Context(), currentSession(c), currentUser(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Server) getDialog(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	d, err := s.dialogs.Get(c.Request.Context(), currentSession(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) dialogParams(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	params := map[string]any{}
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := s.dialogs.SetParams(c.Request.Context(), currentSession(c), currentUser(c), id, params)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) dialogItems(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	items, err := s.dialogs.Candidates(c.Request.Context(), currentSession(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) dialogExclude(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body struct {
		Values []string `json:"values"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := s.dialogs.Exclude(c.Request.Context(), currentSession(c), id, body.Values)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) confirmDialog(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	d, err := s.dialogs.Confirm(c.Request.Context(), currentSession(c), currentUser(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, d)
}

func (s *Server) cancelDialog(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.dialogs.Cancel(c.Request.Context(), currentSession(c), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "run discarded"})
}

func (s *Server) downloadZip(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	payload := map[string]any{}
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			payload[k] = v[0]
		}
	}
	if v, ok := payload["zip_for_moodle"]; ok {
		payload["zip_for_moodle"] = v == "true"
	}
	name, data, err := s.runs.RunZip(currentUser(c), id, payload)
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, "application/zip", data)
}

func (s *Server) getRun(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	entry, err := s.store.GetLog(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) renderSurvey(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var (
		page service.SurveyPage
		err  error
	)
	if key := c.Query("row"); key != "" {
		page, err = s.surveys.RenderRow(currentUser(c), key, id, time.Now())
	} else {
		page, err = s.surveys.Render(currentUser(c), id, time.Now())
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) submitSurvey(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	answers := map[string]any{}
	if err := c.ShouldBindJSON(&answers); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var err error
	if key := c.Query("row"); key != "" {
		err = s.surveys.SubmitRow(currentUser(c), key, id, answers, time.Now())
	} else {
		err = s.surveys.Submit(currentUser(c), id, answers, time.Now())
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "answers recorded"})
}

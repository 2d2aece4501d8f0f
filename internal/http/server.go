package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rowmail/rowmail/internal/log"
	internal_service "github.com/rowmail/rowmail/internal/service"
	"github.com/rowmail/rowmail/pkg/models"
	"github.com/rowmail/rowmail/pkg/service"
	"github.com/rowmail/rowmail/pkg/storage"
)

const sessionTTL = 12 * time.Hour

// Server wires the service layer behind the HTTP surface: run dialog,
// survey serving, tracking pixel, archives and log queries. Authentication
// is delegated upstream; a session token names the acting user.
type Server struct {
	store     storage.Store
	workflows *internal_service.WorkflowService
	actions   *service.ActionService
	runs      *service.RunService
	dialogs   *service.DialogService
	surveys   *service.SurveyService
	scheduler *service.Scheduler
	tracker   *service.Tracker
	sessions  service.SessionStore
	locker    service.Locker
}

func NewServer(store storage.Store, runs *service.RunService, scheduler *service.Scheduler,
	tracker *service.Tracker, sessions service.SessionStore, dialogs service.DialogStore,
	locker service.Locker) *Server {
	return &Server{
		store:     store,
		workflows: internal_service.NewWorkflowService(store),
		actions:   service.NewActionService(store),
		runs:      runs,
		dialogs:   service.NewDialogService(store, runs, dialogs, sessionTTL),
		surveys:   service.NewSurveyService(store),
		scheduler: scheduler,
		tracker:   tracker,
		sessions:  sessions,
		locker:    locker,
	}
}

// Router builds the gin engine. The tracking pixel stays outside the
// authenticated group: it is fetched by mail clients.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "rowmail"})
	})
	router.GET("/trck", s.trackPixel)
	router.POST("/api/v1/sessions", s.createSession)

	v1 := router.Group("/api/v1")
	v1.Use(s.authenticated())
	{
		v1.GET("/workflows", s.listWorkflows)
		v1.POST("/workflows", s.createWorkflow)
		v1.GET("/workflows/:id", s.getWorkflow)
		v1.DELETE("/workflows/:id", s.deleteWorkflow)
		v1.POST("/workflows/:id/flush", s.flushWorkflow)
		v1.POST("/workflows/:id/clone", s.cloneWorkflow)
		v1.GET("/workflows/:id/export", s.exportWorkflow)
		v1.POST("/workflows/import", s.importWorkflow)
		v1.POST("/workflows/:id/actions/import", s.importActions)
		v1.GET("/workflows/:id/logs", s.listLogs)
		v1.GET("/workflows/:id/schedules", s.listSchedules)
		v1.POST("/workflows/:id/schedules", s.createSchedule)
		v1.DELETE("/schedules/:id", s.deleteSchedule)

		v1.GET("/actions/:id", s.getAction)
		v1.POST("/actions/:id/run", s.runAction)
		v1.GET("/actions/:id/zip", s.downloadZip)
		v1.POST("/actions/:id/clone", s.cloneAction)

		v1.POST("/actions/:id/dialog", s.startDialog)
		v1.GET("/actions/:id/dialog", s.getDialog)
		v1.PUT("/actions/:id/dialog/params", s.dialogParams)
		v1.GET("/actions/:id/dialog/items", s.dialogItems)
		v1.PUT("/actions/:id/dialog/exclude", s.dialogExclude)
		v1.POST("/actions/:id/dialog/confirm", s.confirmDialog)
		v1.DELETE("/actions/:id/dialog", s.cancelDialog)

		v1.GET("/runs/:id", s.getRun)

		v1.GET("/survey/:id", s.renderSurvey)
		v1.POST("/survey/:id", s.submitSurvey)
	}
	return router
}

// Start blocks serving the router.
func (s *Server) Start(port string) error {
	log.GetLogger().Infof("Starting rowmail server on :%s", port)
	return s.Router().Run(":" + port)
}

// authenticated resolves the bearer session token into the acting user and
// stores it on the context.
func (s *Server) authenticated() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing session token"})
			return
		}
		user, err := s.sessions.Lookup(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown or expired session"})
			return
		}
		c.Set("user", user)
		c.Set("session", token)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	const prefix = "Bearer "
	h := c.GetHeader("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func currentUser(c *gin.Context) string {
	return c.GetString("user")
}

func currentSession(c *gin.Context) string {
	return c.GetString("session")
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	var locked *models.WorkflowLockedError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNoDialog):
		return http.StatusNotFound
	case errors.As(err, &locked):
		return http.StatusLocked
	case models.IsValidation(err):
		return http.StatusBadRequest
	}
	var keyErr *models.KeyNotUniqueError
	var impErr *models.ImportError
	if errors.As(err, &keyErr) || errors.As(err, &impErr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

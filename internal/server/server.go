// Package server exposes the HTTP surface: provider webhooks, solver
// callbacks and manual sync triggers.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"plansync/internal/apply"
	"plansync/internal/faults"
	"plansync/internal/gsync"
	"plansync/internal/models"
	"plansync/internal/planner"
	"plansync/internal/queue"
	"plansync/internal/replan"
	"plansync/internal/store"
)

// Server wires the HTTP handlers to the engine components.
type Server struct {
	engine    *gsync.Engine
	applier   *apply.Applier
	replanner *replan.Orchestrator
	store     store.Store
	publisher queue.Publisher
	logger    *slog.Logger
}

// New creates a Server.
func New(engine *gsync.Engine, applier *apply.Applier, replanner *replan.Orchestrator, st store.Store, publisher queue.Publisher, logger *slog.Logger) *Server {
	return &Server{
		engine:    engine,
		applier:   applier,
		replanner: replanner,
		store:     st,
		publisher: publisher,
		logger:    logger,
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.healthz)
	r.POST("/webhooks/google", s.googleWebhook)
	r.POST("/callbacks/planner", s.plannerCallback)
	r.POST("/sync/refresh/:calendarId", s.refreshCalendar)
	r.POST("/meetings/:meetingId/replan", s.replanMeeting)
	r.POST("/sweeps/:userId", s.enqueueSweep)

	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// googleWebhook acknowledges the push immediately and enqueues the pull for
// the queue workers; the provider retries on slow responses, so a saturated
// queue is acknowledged too and the next notification picks the change up.
func (s *Server) googleWebhook(c *gin.Context) {
	channelID := c.GetHeader("X-Goog-Channel-ID")
	resourceState := c.GetHeader("X-Goog-Resource-State")
	if channelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing X-Goog-Channel-ID"})
		return
	}
	if resourceState == "sync" {
		// Registration handshake, nothing changed yet.
		c.Status(http.StatusOK)
		return
	}

	job := queue.Job{Kind: queue.KindCalendarPull, ChannelID: channelID, ResourceState: resourceState}
	if err := s.publisher.Publish(c.Request.Context(), job); err != nil {
		s.logger.Warn("Dropping webhook pull trigger", "channelId", channelID, "error", err)
	}
	c.Status(http.StatusOK)
}

// plannerCallback applies a solver result. Cancelled and expired assists
// make it a no-op; replaying the same callback is safe because the applier
// is idempotent.
func (s *Server) plannerCallback(c *gin.Context) {
	var cb planner.Callback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid callback payload"})
		return
	}
	if cb.SingletonID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing singletonId"})
		return
	}

	var assist *models.MeetingAssist
	if meetingID, ok := s.replanner.MeetingForSingleton(cb.SingletonID); ok {
		a, err := s.store.GetMeetingAssist(c.Request.Context(), meetingID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load meeting assist"})
			return
		}
		assist = a
	}

	batch, err := s.applier.ApplyCallback(c.Request.Context(), &cb, assist)
	if errors.Is(err, faults.ErrPlanner) {
		s.logger.Error("Solver reported failure", "singletonId", cb.SingletonID, "message", cb.Message)
		c.JSON(http.StatusOK, gin.H{"status": "failed", "message": cb.Message})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.replanner.Complete(cb.SingletonID)

	resp := gin.H{"status": "applied"}
	if !batch.Empty() {
		errs := make([]string, 0, len(batch.Encountered))
		for _, ie := range batch.Encountered {
			errs = append(errs, ie.Error())
		}
		resp["errorsEncountered"] = errs
	}
	c.JSON(http.StatusOK, resp)
}

// refreshCalendar triggers a manual incremental pull. A pull already in
// flight for the calendar is reported, not queued behind.
func (s *Server) refreshCalendar(c *gin.Context) {
	calendarID := c.Param("calendarId")
	st, err := s.store.GetSyncState(c.Request.Context(), calendarID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown calendar"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sync state"})
		return
	}

	err = s.engine.IncrementalPull(c.Request.Context(), st.UserID, calendarID)
	if errors.Is(err, gsync.ErrPullInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "synced"})
}

// enqueueSweep schedules the break and buffer sweep for one user. The work
// runs on the queue workers; a saturated queue is backpressure, not an
// internal error.
func (s *Server) enqueueSweep(c *gin.Context) {
	userID := c.Param("userId")
	job := queue.Job{Kind: queue.KindFeatureSweep, UserID: userID, Date: time.Now().UTC()}
	err := s.publisher.Publish(c.Request.Context(), job)
	if errors.Is(err, queue.ErrQueueFull) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "sweep queue is full"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "enqueued"})
}

type replanRequest struct {
	WindowStart        *time.Time `json:"windowStart"`
	WindowEnd          *time.Time `json:"windowEnd"`
	Duration           int        `json:"duration"`
	RemoveAttendeeIDs  []string   `json:"removeAttendeeIds"`
	ChangedAttendeeIDs []string   `json:"changedAttendeeIds"`
}

// replanMeeting kicks off a replan run for one meeting assist.
func (s *Server) replanMeeting(c *gin.Context) {
	meetingID := c.Param("meetingId")
	var body replanRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid replan payload"})
		return
	}

	nc := replan.NewConstraints{
		Duration:           body.Duration,
		RemoveAttendeeIDs:  body.RemoveAttendeeIDs,
		ChangedAttendeeIDs: body.ChangedAttendeeIDs,
	}
	if body.WindowStart != nil {
		nc.WindowStart = *body.WindowStart
	}
	if body.WindowEnd != nil {
		nc.WindowEnd = *body.WindowEnd
	}

	run, err := s.replanner.Replan(c.Request.Context(), meetingID, nc)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown meeting"})
		return
	case errors.Is(err, faults.ErrUnsatisfiable):
		c.JSON(http.StatusConflict, gin.H{
			"state":           string(run.State),
			"reason":          run.Reason,
			"conflictEventId": run.ConflictEventID,
		})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"runId":       run.ID,
		"state":       string(run.State),
		"singletonId": run.SingletonID,
	})
}

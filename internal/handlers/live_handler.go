package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"live-quiz-service/internal/apperr"
	"live-quiz-service/internal/identity"
	"live-quiz-service/internal/metrics"
	"live-quiz-service/internal/models"
	"live-quiz-service/internal/progress"
	"live-quiz-service/internal/service"
	"live-quiz-service/internal/session"

	"github.com/gin-gonic/gin"
)

const streamKeepAlive = 15 * time.Second

type LiveHandler struct {
	Service *service.LiveService
}

func NewLiveHandler(s *service.LiveService) *LiveHandler {
	return &LiveHandler{Service: s}
}

// RegisterRoutes mounts the live session API behind auth.
func (h *LiveHandler) RegisterRoutes(r gin.IRouter, auth gin.HandlerFunc) {
	live := r.Group("/protected/live/sessions", auth)
	{
		live.POST("/", h.CreateSession)
		live.GET("/:id", h.GetSnapshot)
		live.POST("/:id/join", h.JoinSession)
		live.POST("/:id/leave", h.LeaveSession)
		live.POST("/:id/heartbeat", h.Heartbeat)
		live.POST("/:id/answer", h.SubmitAnswer)
		live.POST("/:id/result", h.SubmitResult)
		live.POST("/:id/start", h.StartSession)
		live.POST("/:id/complete", h.ForceComplete)
		live.POST("/:id/cancel", h.CancelSession)
		live.POST("/:id/reset", h.ResetProgress)
		live.GET("/:id/results", h.GetResults)
		live.GET("/:id/events", h.ListEvents)
		live.GET("/:id/stream", h.Stream)
	}
}

func (h *LiveHandler) CreateSession(c *gin.Context) {
	var req struct {
		GroupID     string                 `json:"group_id" binding:"required"`
		Title       string                 `json:"title" binding:"required"`
		ScheduledAt *time.Time             `json:"scheduled_at"`
		Settings    models.SessionSettings `json:"settings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	created, err := h.Service.CreateSession(c.Request.Context(), actor(c), models.Session{
		GroupID:     req.GroupID,
		Title:       req.Title,
		ScheduledAt: req.ScheduledAt,
		Settings:    req.Settings,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *LiveHandler) GetSnapshot(c *gin.Context) {
	snap, err := h.Service.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *LiveHandler) JoinSession(c *gin.Context) {
	out, err := h.Service.JoinSession(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *LiveHandler) LeaveSession(c *gin.Context) {
	p, err := h.Service.LeaveSession(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Heartbeat accepts an optional body with time spent or confidence.
func (h *LiveHandler) Heartbeat(c *gin.Context) {
	var delta *progress.Delta
	if c.Request.ContentLength != 0 {
		var body progress.Delta
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
			return
		}
		delta = &body
	}

	out, err := h.Service.Heartbeat(c.Request.Context(), c.Param("id"), actor(c), delta)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *LiveHandler) SubmitAnswer(c *gin.Context) {
	var delta progress.Delta
	if err := c.ShouldBindJSON(&delta); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	out, err := h.Service.SubmitAnswer(c.Request.Context(), c.Param("id"), actor(c), delta)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if out.Deferred {
		status = http.StatusAccepted
	}
	c.JSON(status, out)
}

func (h *LiveHandler) SubmitResult(c *gin.Context) {
	var req service.ResultInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	result, err := h.Service.SubmitResult(c.Request.Context(), c.Param("id"), actor(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *LiveHandler) StartSession(c *gin.Context) {
	res, err := h.Service.StartSession(c.Request.Context(), c.Param("id"), actor(c))
	respondTransition(c, res, err)
}

func (h *LiveHandler) ForceComplete(c *gin.Context) {
	res, err := h.Service.ForceComplete(c.Request.Context(), c.Param("id"), actor(c))
	respondTransition(c, res, err)
}

func (h *LiveHandler) CancelSession(c *gin.Context) {
	res, err := h.Service.CancelSession(c.Request.Context(), c.Param("id"), actor(c))
	respondTransition(c, res, err)
}

func (h *LiveHandler) ResetProgress(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
			return
		}
	}

	rec, err := h.Service.ResetProgress(c.Request.Context(), c.Param("id"), actor(c), req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *LiveHandler) GetResults(c *gin.Context) {
	summary, err := h.Service.GetResults(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ListEvents returns the session event log, optionally for one user.
func (h *LiveHandler) ListEvents(c *gin.Context) {
	events, err := h.Service.ProgressEvents(c.Request.Context(), c.Param("id"), c.Query("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]models.ProgressEvent, 0)
	for ev, err := range events {
		if err != nil {
			respondError(c, apperr.Wrap(apperr.PersistenceFailure, "live.events", err))
			return
		}
		out = append(out, ev)
	}
	c.JSON(http.StatusOK, gin.H{"events": out, "count": len(out)})
}

// Stream pushes a snapshot as a server-sent event on every session change.
// The stream ends after the session reaches a terminal status.
func (h *LiveHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	view, err := h.Service.Watch(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	defer view.Close()

	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("snapshot", view.Current())
	c.Writer.Flush()
	if view.Current().Session.Status.Terminal() {
		return
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		case snap := <-view.Updates():
			c.SSEvent("snapshot", snap)
			return !snap.Session.Status.Terminal()
		}
	})
}

func actor(c *gin.Context) models.Actor {
	a, _ := identity.ActorFrom(c)
	return a
}

func respondTransition(c *gin.Context, res session.TransitionResult, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	body := gin.H{"result": res}
	if !res.Applied {
		body["notice"] = res.Notice
		body["kind"] = apperr.Conflict
	}
	c.JSON(http.StatusOK, body)
}

func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.Unauthorized:
		status = http.StatusUnauthorized
	case apperr.Forbidden:
		status = http.StatusForbidden
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.PersistenceFailure:
		status = http.StatusServiceUnavailable
	case apperr.ValidationFailure:
		status = http.StatusBadRequest
	default:
		log.Printf("[LiveHandler] unexpected error on %s %s: %v", c.Request.Method, c.FullPath(), err)
	}

	body := gin.H{"error": err.Error()}
	if kind != "" {
		body["kind"] = kind
	}
	c.JSON(status, body)
}

package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"classroll/internal/attendance"
	"classroll/internal/logging"
)

const maxFrameBytes = 4 << 20

type createSessionRequest struct {
	ClassID string `json:"class_id" binding:"required"`
	attendance.SessionOptions
}

// CreateSession opens an attendance session for a class.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := h.Service.CreateSession(c.Request.Context(), req.ClassID, req.SessionOptions)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// ListSessions lists sessions, optionally for one class and since a reporting period.
func (h *Handler) ListSessions(c *gin.Context) {
	var since time.Time
	if p := c.Query("period"); p != "" {
		var err error
		if since, err = h.since(p); err != nil {
			fail(c, err)
			return
		}
	}
	sessions, err := h.Service.ListSessions(c.Request.Context(), c.Query("class_id"), since)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession returns a session with its tally and scanning state.
func (h *Handler) GetSession(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	sess, err := h.Service.GetSession(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	tally, err := h.Service.Tally(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "tally": tally, "scanning": h.scanning(id)})
}

func (h *Handler) ActiveSession(c *gin.Context) {
	sess, err := h.Service.ActiveSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type closeSessionRequest struct {
	MarkAbsent bool `json:"mark_absent"`
}

// CloseSession ends a session. An empty body closes without marking absentees.
func (h *Handler) CloseSession(c *gin.Context) {
	var req closeSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	sess, err := h.Service.CloseSession(ctx, c.Param("id"), req.MarkAbsent)
	if err != nil {
		fail(c, err)
		return
	}
	tally, err := h.Service.Tally(ctx, sess.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "tally": tally})
}

// StartScan begins the capture loop of an active session.
func (h *Handler) StartScan(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := h.Service.GetSession(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if !sess.Active() {
		fail(c, attendance.ErrSessionClosed)
		return
	}
	if h.Scanner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture not configured"})
		return
	}
	if err := h.Scanner.Start(ctx, sess.ID); err != nil {
		fail(c, err)
		return
	}
	logging.FromContext(ctx).Info("scanning started", "session_id", sess.ID)
	c.JSON(http.StatusAccepted, gin.H{"session_id": sess.ID, "scanning": true})
}

// StopScan stops the capture loop. It returns once the camera stream is released.
func (h *Handler) StopScan(c *gin.Context) {
	if h.Scanner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture not configured"})
		return
	}
	if err := h.Scanner.Stop(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PushFrame accepts one JPEG frame, either as the raw body or as the multipart
// field "frame".
func (h *Handler) PushFrame(c *gin.Context) {
	if h.Frames == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture not configured"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxFrameBytes)

	var data []byte
	var err error
	if c.ContentType() == "multipart/form-data" {
		file, _, ferr := c.Request.FormFile("frame")
		if ferr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "frame file is required"})
			return
		}
		defer file.Close()
		data, err = io.ReadAll(file)
	} else {
		data, err = io.ReadAll(c.Request.Body)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read frame"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty frame"})
		return
	}
	if err := h.Frames.Push(c.Param("id"), data, h.Now()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// Marked returns the ids of students already recorded in the session.
func (h *Handler) Marked(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	ids, err := h.Service.MarkedSet(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	tally, err := h.Service.Tally(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"student_ids": ids, "tally": tally})
}

func (h *Handler) Unmarked(c *gin.Context) {
	students, err := h.Service.Unmarked(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": students})
}

type markRequest struct {
	StudentID  string   `json:"student_id" binding:"required"`
	Status     string   `json:"status"`
	Confidence *float64 `json:"recognition_confidence"`
}

// Mark records a student in the session. Without a status the student is
// marked present; any explicit status is recorded as a manual mark. A repeat
// mark answers 200 with the existing record.
func (h *Handler) Mark(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	var (
		res attendance.MarkResult
		err error
	)
	if req.Status == "" {
		res, err = h.Service.MarkPresent(ctx, c.Param("id"), req.StudentID, req.Confidence)
	} else {
		res, err = h.Service.MarkStatus(ctx, c.Param("id"), req.StudentID, attendance.Status(req.Status), actor(c))
	}
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// Watch upgrades to a websocket that streams the session's events.
func (h *Handler) Watch(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := h.Service.GetSession(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if !sess.Active() {
		fail(c, attendance.ErrSessionClosed)
		return
	}
	if h.Live == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live feed not configured"})
		return
	}
	if err := h.Live.Serve(c.Writer, c.Request, sess.ID); err != nil {
		// The upgrader has already written the HTTP error.
		logging.FromContext(ctx).Warn("live upgrade failed", "error", err, "session_id", sess.ID)
	}
}

func (h *Handler) scanning(sessionID string) bool {
	return h.Scanner != nil && h.Scanner.Scanning(sessionID)
}

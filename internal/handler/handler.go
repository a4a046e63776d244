// Package handler exposes the attendance service over HTTP.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"classroll/internal/attendance"
	"classroll/internal/auth"
	"classroll/internal/capture"
	"classroll/internal/cloudinary"
	"classroll/internal/logging"
	"classroll/internal/queue"
)

// Scanner starts and stops capture loops.
type Scanner interface {
	Start(ctx context.Context, sessionID string) error
	Stop(sessionID string) error
	Scanning(sessionID string) bool
}

// FrameSink accepts frames posted by the capture client.
type FrameSink interface {
	Push(sessionID string, data []byte, at time.Time) error
}

// PhotoStore persists student photos.
type PhotoStore interface {
	UploadPhoto(ctx context.Context, data []byte, filename, publicID string) (*cloudinary.UploadResult, error)
}

// LiveFeed streams session events to a websocket peer.
type LiveFeed interface {
	Serve(w http.ResponseWriter, r *http.Request, sessionID string) error
}

// DescriptorCache drops cached descriptors of a student whose photo changed.
type DescriptorCache interface {
	Invalidate(studentID string)
}

// Deps are the collaborators of the HTTP layer. Photos and Descriptors may be nil.
type Deps struct {
	Service     *attendance.Service
	Auth        *auth.Authenticator
	Scanner     Scanner
	Frames      FrameSink
	Live        LiveFeed
	Photos      PhotoStore
	Descriptors DescriptorCache
	Jobs        queue.Queue

	SigningKey string
	Issuer     string
	AccessTTL  time.Duration
	Location   *time.Location
	Now        func() time.Time
}

// Handler holds the route handlers.
type Handler struct {
	Deps
}

// New creates a handler.
func New(d Deps) *Handler {
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Handler{Deps: d}
}

// Register mounts every /v1 route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/v1/auth/login", h.Login)

	v1 := r.Group("/v1", auth.OperatorAuth(h.SigningKey, h.Issuer))

	v1.POST("/students", h.CreateStudent)
	v1.GET("/students", h.ListStudents)
	v1.GET("/students/:id", h.GetStudent)
	v1.PUT("/students/:id", h.UpdateStudent)
	v1.DELETE("/students/:id", auth.RequireRole("admin"), h.DeleteStudent)
	v1.POST("/students/:id/photo", h.UploadPhoto)

	v1.POST("/classes", h.CreateClass)
	v1.GET("/classes", h.ListClasses)
	v1.GET("/classes/:id", h.GetClass)
	v1.GET("/classes/:id/students", h.Roster)
	v1.POST("/classes/:id/enrollments", h.Enroll)
	v1.GET("/classes/:id/active-session", h.ActiveSession)

	v1.POST("/sessions", h.CreateSession)
	v1.GET("/sessions", h.ListSessions)
	v1.GET("/sessions/:id", h.GetSession)
	v1.POST("/sessions/:id/close", h.CloseSession)
	v1.POST("/sessions/:id/scan", h.StartScan)
	v1.DELETE("/sessions/:id/scan", h.StopScan)
	v1.POST("/sessions/:id/frames", h.PushFrame)
	v1.GET("/sessions/:id/marked", h.Marked)
	v1.GET("/sessions/:id/unmarked", h.Unmarked)
	v1.POST("/sessions/:id/marks", h.Mark)
	v1.GET("/sessions/:id/live", h.Watch)

	v1.GET("/records", h.ListRecords)
	v1.PATCH("/records/:id", h.SetStatus)
	v1.GET("/records/:id/history", h.History)

	v1.GET("/analytics", h.Analytics)
	v1.GET("/exports/attendance.csv", h.ExportCSV)
	v1.GET("/exports/attendance.xlsx", h.ExportXLSX)
}

// RequestLogger attaches a request-scoped logger carrying a request id.
func RequestLogger(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		logger := base.With("request_id", id)
		c.Request = c.Request.WithContext(logging.ContextWithLogger(c.Request.Context(), logger))
		c.Next()
	}
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login exchanges operator credentials for an access token.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	op, err := h.Auth.Login(req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	token, err := auth.Issue(op.Email, op.Role, h.Issuer, h.SigningKey, h.AccessTTL, h.Now())
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("issue token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, token)
}

// fail writes the JSON error response for err.
func fail(c *gin.Context, err error) {
	var vErr *attendance.ValidationError
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": vErr.FieldErrors})
	case errors.Is(err, attendance.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, attendance.ErrSessionActive),
		errors.Is(err, attendance.ErrSessionClosed),
		errors.Is(err, attendance.ErrAlreadyExists),
		errors.Is(err, capture.ErrAlreadyScanning),
		errors.Is(err, capture.ErrNotScanning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, capture.ErrCameraUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		logging.FromContext(c.Request.Context()).Error("request failed",
			"error", err, "kind", attendance.ErrorKind(err), "path", c.FullPath())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func invalid(field, message string) error {
	return &attendance.ValidationError{FieldErrors: map[string]string{field: message}}
}

func actor(c *gin.Context) string {
	if claims, ok := auth.FromContext(c); ok && claims.Subject != "" {
		return claims.Subject
	}
	return "operator"
}

package handler

import (
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"classroll/internal/attendance"
	"classroll/internal/logging"
	"classroll/internal/queue"
)

const maxPhotoBytes = 8 << 20

// CreateStudent registers a student.
func (h *Handler) CreateStudent(c *gin.Context) {
	var in attendance.StudentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, err := h.Service.CreateStudent(c.Request.Context(), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

// ListStudents lists students matching the optional search query.
func (h *Handler) ListStudents(c *gin.Context) {
	students, err := h.Service.ListStudents(c.Request.Context(), c.Query("search"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": students})
}

func (h *Handler) GetStudent(c *gin.Context) {
	st, err := h.Service.GetStudent(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) UpdateStudent(c *gin.Context) {
	var in attendance.StudentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, err := h.Service.UpdateStudent(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) DeleteStudent(c *gin.Context) {
	if err := h.Service.DeleteStudent(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UploadPhoto stores a student's reference photo and queues descriptor enrollment.
// Expects a multipart form with a "photo" file.
func (h *Handler) UploadPhoto(c *gin.Context) {
	if h.Photos == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
		return
	}
	ctx := c.Request.Context()
	st, err := h.Service.GetStudent(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxPhotoBytes)
	file, header, err := c.Request.FormFile("photo")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "photo file is required"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read photo"})
		return
	}

	logger := logging.FromContext(ctx).With("student_id", st.ID)
	result, err := h.Photos.UploadPhoto(ctx, data, path.Base(header.Filename), "student-"+st.ID)
	if err != nil {
		logger.Error("photo upload failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
		return
	}
	if err := h.Service.SetStudentPhoto(ctx, st.ID, result.SecureURL); err != nil {
		fail(c, err)
		return
	}
	if h.Descriptors != nil {
		h.Descriptors.Invalidate(st.ID)
	}

	queued := false
	if h.Jobs != nil {
		msg, err := queue.NewMessage(queue.TypeDescriptorEnroll, queue.EnrollJob{StudentID: st.ID, PhotoURL: result.SecureURL})
		if err == nil {
			err = h.Jobs.Publish(ctx, msg)
		}
		if err != nil {
			logger.Warn("enqueue descriptor enrollment", "error", err)
		} else {
			queued = true
		}
	}
	c.JSON(http.StatusOK, gin.H{"photo_url": result.SecureURL, "enrollment_queued": queued})
}

func (h *Handler) CreateClass(c *gin.Context) {
	var in attendance.ClassInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	class, err := h.Service.CreateClass(c.Request.Context(), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, class)
}

func (h *Handler) ListClasses(c *gin.Context) {
	classes, err := h.Service.ListClasses(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"classes": classes})
}

func (h *Handler) GetClass(c *gin.Context) {
	class, err := h.Service.GetClass(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, class)
}

// Roster lists the students expected in a class.
func (h *Handler) Roster(c *gin.Context) {
	students, err := h.Service.Roster(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": students})
}

type enrollRequest struct {
	StudentID string `json:"student_id"`
}

func (h *Handler) Enroll(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.StudentID) == "" {
		fail(c, invalid("student_id", "student_id is required"))
		return
	}
	if err := h.Service.Enroll(c.Request.Context(), c.Param("id"), req.StudentID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

package handler

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"classroll/internal/analytics"
	"classroll/internal/attendance"
)

const (
	defaultRecordLimit = 100
	maxRecordLimit     = 1000
)

func (h *Handler) since(period string) (time.Time, error) {
	since, err := analytics.Since(period, h.Now().In(h.Location))
	if err != nil {
		return time.Time{}, invalid("period", "must be one of today week month semester year all")
	}
	return since, nil
}

// recordFilter reads class_id, session_id, status, search and period from the
// query string. The default period is the current month.
func (h *Handler) recordFilter(c *gin.Context) (attendance.RecordFilter, string, error) {
	period := c.DefaultQuery("period", analytics.PeriodMonth)
	since, err := h.since(period)
	if err != nil {
		return attendance.RecordFilter{}, "", err
	}
	f := attendance.RecordFilter{
		ClassID:   c.Query("class_id"),
		SessionID: c.Query("session_id"),
		Search:    c.Query("search"),
		Since:     since,
	}
	if s := c.Query("status"); s != "" && s != "all" {
		st, err := attendance.ParseStatus(s)
		if err != nil {
			return attendance.RecordFilter{}, "", invalid("status", "must be one of present absent late")
		}
		f.Status = st
	}
	return f, period, nil
}

// ListRecords lists joined attendance records, newest first.
func (h *Handler) ListRecords(c *gin.Context) {
	f, _, err := h.recordFilter(c)
	if err != nil {
		fail(c, err)
		return
	}
	f.Limit = defaultRecordLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			fail(c, invalid("limit", "must be a positive integer"))
			return
		}
		f.Limit = min(n, maxRecordLimit)
	}
	records, err := h.Service.ListRecords(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

type setStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note"`
}

// SetStatus overrides a record's status on behalf of the authenticated operator.
func (h *Handler) SetStatus(c *gin.Context) {
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.Service.SetStatus(c.Request.Context(), c.Param("id"), attendance.Status(req.Status), actor(c), req.Note)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) History(c *gin.Context) {
	changes, err := h.Service.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

// Analytics builds the dashboard report for the filtered records.
func (h *Handler) Analytics(c *gin.Context) {
	f, period, err := h.recordFilter(c)
	if err != nil {
		fail(c, err)
		return
	}
	records, err := h.Service.ListRecords(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, analytics.Build(period, f.Since, records, h.Location))
}

func (h *Handler) ExportCSV(c *gin.Context) {
	h.export(c, "csv", "text/csv; charset=utf-8", analytics.WriteCSV)
}

func (h *Handler) ExportXLSX(c *gin.Context) {
	h.export(c, "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", analytics.WriteXLSX)
}

type writeFunc func(w io.Writer, records []attendance.RecordView, loc *time.Location) error

// export renders into a buffer first so a failure still yields a JSON error.
func (h *Handler) export(c *gin.Context, ext, contentType string, write writeFunc) {
	f, _, err := h.recordFilter(c)
	if err != nil {
		fail(c, err)
		return
	}
	records, err := h.Service.ListRecords(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	var buf bytes.Buffer
	if err := write(&buf, records, h.Location); err != nil {
		fail(c, fmt.Errorf("export %s: %w", ext, err))
		return
	}
	filename := analytics.Filename(h.Now().In(h.Location), ext)
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, contentType, buf.Bytes())
}

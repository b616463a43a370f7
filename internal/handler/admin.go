package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gradaccess/internal/attendance"
	"gradaccess/internal/export"
	"gradaccess/internal/jobs"
	"gradaccess/internal/model"
)

type createJobRequest struct {
	Type       string      `json:"type" binding:"required"`
	Parameters jobs.Params `json:"parameters"`
}

// CreateJob creates and immediately starts a background job.
func (h *Handler) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "job type required")
		return
	}
	t, ok := jobs.ParseType(req.Type)
	if !ok {
		fail(c, http.StatusBadRequest, "unknown job type")
		return
	}
	id := h.Jobs.Create(t, req.Parameters)
	if !h.Jobs.Start(id) {
		fail(c, http.StatusConflict, "job could not be started")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "type": t, "status": jobs.StatusRunning})
}

// ListJobs returns every tracked job, newest first.
func (h *Handler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.Jobs.List()})
}

// GetJob returns one job snapshot.
func (h *Handler) GetJob(c *gin.Context) {
	j, err := h.Jobs.Status(c.Param("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		fail(c, http.StatusNotFound, "job not found")
		return
	}
	c.JSON(http.StatusOK, j)
}

// CancelJob cancels a job that has not started yet.
func (h *Handler) CancelJob(c *gin.Context) {
	id := c.Param("id")
	if h.Jobs.Cancel(id) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "job_id": id})
		return
	}
	if _, err := h.Jobs.Status(id); errors.Is(err, jobs.ErrNotFound) {
		fail(c, http.StatusNotFound, "job not found")
		return
	}
	fail(c, http.StatusConflict, "only pending jobs can be cancelled")
}

func studentID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid student id")
		return 0, false
	}
	return id, true
}

// RegeneratePrimary rotates a student's primary credential.
func (h *Handler) RegeneratePrimary(c *gin.Context) {
	id, ok := studentID(c)
	if !ok {
		return
	}
	cred, err := h.Primary.Regenerate(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, "regenerate_primary", id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "student_id": id, "qr_data": cred.Token, "qr_generated_at": cred.IssuedAt})
}

// RegenerateCompanions replaces both companion credentials of a student.
func (h *Handler) RegenerateCompanions(c *gin.Context) {
	id, ok := studentID(c)
	if !ok {
		return
	}
	companions, err := h.Companions.Regenerate(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, "regenerate_companions", id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "student_id": id, "companions": companions})
}

type tokenRequest struct {
	QRData string `json:"qr_data" binding:"required"`
}

// DenyCredential blocks a credential at the gate.
func (h *Handler) DenyCredential(c *gin.Context) {
	h.transition(c, "deny", h.Verifier.Deny)
}

// ResetCredential returns a credential to pending.
func (h *Handler) ResetCredential(c *gin.Context) {
	h.transition(c, "reset", h.Verifier.Reset)
}

func (h *Handler) transition(c *gin.Context, op string, apply func(ctx context.Context, token string) (*model.Credential, error)) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "qr_data required")
		return
	}
	cred, err := apply(c.Request.Context(), req.QRData)
	if errors.Is(err, attendance.ErrUnknownToken) {
		fail(c, http.StatusNotFound, "unknown code")
		return
	}
	if errors.Is(err, attendance.ErrInvalidTransition) {
		c.JSON(http.StatusConflict, gin.H{"status": "error", "message": err.Error(), "credential": cred})
		return
	}
	if err != nil {
		h.storeError(c, op, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "credential": cred})
}

type resetRequest struct {
	Cedula string `json:"cedula"`
}

// ResetCheckIns resets every check-in, or only one student's party when a
// cedula is given.
func (h *Handler) ResetCheckIns(c *gin.Context) {
	var req resetRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	var (
		n   int64
		err error
	)
	if req.Cedula == "" {
		n, err = h.Verifier.ResetAll(c.Request.Context())
	} else {
		n, err = h.Verifier.ResetByCedula(c.Request.Context(), req.Cedula)
	}
	if err != nil {
		h.storeError(c, "reset_checkins", req.Cedula, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "reset": n})
}

// ExportStudents downloads the student report.
func (h *Handler) ExportStudents(c *gin.Context) {
	f, ok := format(c)
	if !ok {
		return
	}
	rows, err := h.Reports.ExportStudents(c.Request.Context())
	if err != nil {
		h.internal(c, "export_students", nil, err)
		return
	}
	h.writeExport(c, f, export.Students(rows, h.Location))
}

// ExportCompanions downloads the companion report.
func (h *Handler) ExportCompanions(c *gin.Context) {
	f, ok := format(c)
	if !ok {
		return
	}
	rows, err := h.Reports.ExportCompanions(c.Request.Context())
	if err != nil {
		h.internal(c, "export_companions", nil, err)
		return
	}
	h.writeExport(c, f, export.Companions(rows, h.Location))
}

func format(c *gin.Context) (export.Format, bool) {
	f, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return "", false
	}
	return f, true
}

func (h *Handler) writeExport(c *gin.Context, f export.Format, t export.Table) {
	name := export.FileName(t, f, h.now().In(h.Location))
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Header("Content-Type", f.ContentType())
	c.Status(http.StatusOK)
	if err := export.Write(c.Writer, f, t); err != nil {
		h.Logger.WithError(err).WithField("export", t.Name).Error("export write failed")
	}
}

// GetAutoSync returns the auto-sync toggle.
func (h *Handler) GetAutoSync(c *gin.Context) {
	cfg, err := h.Settings.AutoSync(c.Request.Context())
	if err != nil {
		h.internal(c, "get_auto_sync", nil, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

type autoSyncRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// PutAutoSync turns auto-sync on or off, keeping the last run time.
func (h *Handler) PutAutoSync(c *gin.Context) {
	var req autoSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "enabled required")
		return
	}
	ctx := c.Request.Context()
	cfg, err := h.Settings.AutoSync(ctx)
	if err != nil {
		h.internal(c, "put_auto_sync", nil, err)
		return
	}
	cfg.Enabled = *req.Enabled
	if err := h.Settings.SaveAutoSync(ctx, cfg); err != nil {
		h.internal(c, "put_auto_sync", cfg, err)
		return
	}
	h.Logger.WithField("enabled", cfg.Enabled).Info("auto sync toggled")
	c.JSON(http.StatusOK, cfg)
}

// WipeConfirmation must be sent verbatim to delete all data.
const WipeConfirmation = "DELETE ALL"

type wipeRequest struct {
	Confirm string `json:"confirm" binding:"required"`
}

// Wipe deletes every student, credential and scan.
func (h *Handler) Wipe(c *gin.Context) {
	var req wipeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Confirm != WipeConfirmation {
		fail(c, http.StatusBadRequest, `confirm must be "`+WipeConfirmation+`"`)
		return
	}
	if err := h.Wiper.Wipe(c.Request.Context()); err != nil {
		h.internal(c, "wipe", nil, err)
		return
	}
	h.Logger.Warn("all data wiped")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

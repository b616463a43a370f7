package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"gradaccess/internal/attendance"
	"gradaccess/internal/invitation"
	"gradaccess/internal/jobs"
	"gradaccess/internal/logging"
	"gradaccess/internal/model"
	"gradaccess/internal/settings"
	"gradaccess/internal/store"
)

// Verifier checks scans and applies operator status changes.
type Verifier interface {
	Verify(ctx context.Context, token, gate string) (attendance.Outcome, error)
	Deny(ctx context.Context, token string) (*model.Credential, error)
	Reset(ctx context.Context, token string) (*model.Credential, error)
	ResetAll(ctx context.Context) (int64, error)
	ResetByCedula(ctx context.Context, cedula string) (int64, error)
}

// JobManager is the background job surface.
type JobManager interface {
	Create(t jobs.Type, params jobs.Params) string
	Start(id string) bool
	Status(id string) (jobs.Job, error)
	Cancel(id string) bool
	List() []jobs.Job
}

// PrimaryRegenerator rotates one student's primary credential.
type PrimaryRegenerator interface {
	Regenerate(ctx context.Context, studentID int64) (model.IssuedCredential, error)
}

// CompanionRegenerator replaces one student's companion pair.
type CompanionRegenerator interface {
	Regenerate(ctx context.Context, studentID int64) ([]model.Companion, error)
}

// InvitationSender resends companion invitations on demand.
type InvitationSender interface {
	ResendToStudent(ctx context.Context, cedula string) (invitation.Resent, error)
}

// Reports reads export rows.
type Reports interface {
	ExportStudents(ctx context.Context) ([]model.StudentExport, error)
	ExportCompanions(ctx context.Context) ([]model.CompanionExport, error)
}

// Wiper deletes every student, credential and scan.
type Wiper interface {
	Wipe(ctx context.Context) error
}

// HealthFunc reports dependency health by name.
type HealthFunc func(ctx context.Context) map[string]bool

// AuthConfig controls operator login.
type AuthConfig struct {
	Issuer       string
	SigningKey   string
	TTL          time.Duration
	PasswordHash string
}

// Deps are the collaborators behind the HTTP API.
type Deps struct {
	Verifier    Verifier
	Jobs        JobManager
	Primary     PrimaryRegenerator
	Companions  CompanionRegenerator
	Invitations InvitationSender
	Reports     Reports
	Wiper       Wiper
	Settings    settings.Store
	Health      HealthFunc
	Auth        AuthConfig
	Location    *time.Location
	Logger      logrus.FieldLogger
}

// Handler serves the scanner and operator API.
type Handler struct {
	Deps
	now func() time.Time
}

// New creates a handler.
func New(d Deps) *Handler {
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	return &Handler{Deps: d, now: time.Now}
}

// Healthz reports dependency health.
func (h *Handler) Healthz(c *gin.Context) {
	checks := map[string]bool{}
	if h.Health != nil {
		checks = h.Health(c.Request.Context())
	}
	status := http.StatusOK
	for _, ok := range checks {
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, gin.H{"status": "ok", "checks": checks})
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"status": "error", "message": msg})
}

// internal logs err and answers 500 without leaking details.
func (h *Handler) internal(c *gin.Context, operation string, data any, err error) {
	logging.LogError(h.Logger, "handler", operation, data, err)
	fail(c, http.StatusInternalServerError, "internal error")
}

// storeError maps store sentinels to statuses and anything else to 500.
func (h *Handler) storeError(c *gin.Context, operation string, data any, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		fail(c, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicate):
		fail(c, http.StatusConflict, "already exists")
	case errors.Is(err, context.Canceled):
		fail(c, http.StatusRequestTimeout, "request cancelled")
	default:
		h.internal(c, operation, data, err)
	}
}

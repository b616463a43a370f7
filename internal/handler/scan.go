package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"gradaccess/internal/attendance"
	"gradaccess/internal/auth"
	"gradaccess/internal/invitation"
)

type scanRequest struct {
	QRData string `json:"qr_data"`
	Gate   string `json:"gate" binding:"max=64"`
}

type scanResponse struct {
	Status string `json:"status"`
	attendance.Outcome
}

// Scan verifies one code. Every request gets a definite outcome.
func (h *Handler) Scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, scanResponse{
			Status:  "error",
			Outcome: attendance.Outcome{Kind: attendance.OutcomeInvalid, Message: "Unreadable scan request"},
		})
		return
	}
	out, err := h.Verifier.Verify(c.Request.Context(), req.QRData, req.Gate)
	if errors.Is(err, attendance.ErrMissingToken) {
		c.JSON(http.StatusBadRequest, scanResponse{Status: "error", Outcome: out})
		return
	}
	if err != nil {
		h.internal(c, "scan", req.Gate, err)
		return
	}
	status, label := scanStatus(out.Kind)
	c.JSON(status, scanResponse{Status: label, Outcome: out})
}

func scanStatus(kind attendance.OutcomeKind) (int, string) {
	switch kind {
	case attendance.OutcomeWelcome:
		return http.StatusOK, "ok"
	case attendance.OutcomeDuplicate:
		return http.StatusOK, "warning"
	case attendance.OutcomeDenied:
		return http.StatusForbidden, "error"
	default:
		return http.StatusNotFound, "error"
	}
}

type resendRequest struct {
	Cedula string `json:"cedula" binding:"required"`
}

// ResendInvitation mails both companion invitations to one student.
func (h *Handler) ResendInvitation(c *gin.Context) {
	var req resendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "cedula required")
		return
	}
	res, err := h.Invitations.ResendToStudent(c.Request.Context(), req.Cedula)
	switch {
	case errors.Is(err, invitation.ErrStudentNotFound):
		fail(c, http.StatusNotFound, "student not found")
	case errors.Is(err, invitation.ErrNotEligible):
		fail(c, http.StatusConflict, "student payment not confirmed")
	case err != nil:
		h.internal(c, "resend_invitation", req.Cedula, err)
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok", "result": res})
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password" binding:"required"`
}

// Login exchanges the operator password for a bearer token.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "password required")
		return
	}
	if err := auth.CheckPassword(h.Auth.PasswordHash, req.Password); err != nil {
		if errors.Is(err, auth.ErrLoginDisabled) {
			fail(c, http.StatusForbidden, "operator login not configured")
			return
		}
		h.Logger.WithField("username", req.Username).Warn("operator login rejected")
		fail(c, http.StatusUnauthorized, "invalid credentials")
		return
	}
	subject := req.Username
	if subject == "" {
		subject = "admin"
	}
	tok, err := auth.Issue(subject, auth.RoleOperator, h.Auth.Issuer, h.Auth.SigningKey, h.Auth.TTL)
	if err != nil {
		h.internal(c, "login", subject, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gradaccess/internal/auth"
)

// Register mounts every route. limit guards the public routes and may be nil.
func (h *Handler) Register(r *gin.Engine, limit gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	public := r.Group("/v1")
	if limit != nil {
		public.Use(limit)
	}
	public.POST("/scan", h.Scan)
	public.POST("/invitations/resend", h.ResendInvitation)
	public.POST("/auth/login", h.Login)

	admin := r.Group("/v1/admin", auth.OperatorAuth(h.Auth.SigningKey, h.Auth.Issuer))
	admin.POST("/jobs", h.CreateJob)
	admin.GET("/jobs", h.ListJobs)
	admin.GET("/jobs/:id", h.GetJob)
	admin.DELETE("/jobs/:id", h.CancelJob)

	admin.POST("/students/:id/credential/regenerate", h.RegeneratePrimary)
	admin.POST("/students/:id/companions/regenerate", h.RegenerateCompanions)
	admin.POST("/credentials/deny", h.DenyCredential)
	admin.POST("/credentials/reset", h.ResetCredential)
	admin.POST("/checkins/reset", h.ResetCheckIns)

	admin.GET("/exports/students", h.ExportStudents)
	admin.GET("/exports/companions", h.ExportCompanions)

	admin.GET("/auto-sync", h.GetAutoSync)
	admin.PUT("/auto-sync", h.PutAutoSync)
	admin.POST("/wipe", h.Wipe)
}

package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
)

// Handler provides HTTP endpoints for reconciliation reports.
type Handler struct {
	service *Service
	timer   *Timer
}

// NewHandler creates a new reconciliation handler. timer may be nil.
func NewHandler(service *Service, timer *Timer) *Handler {
	return &Handler{service: service, timer: timer}
}

// RegisterAdminRoutes sets up the operations routes. The group must
// already require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.Last)
	r.POST("/reconciliation/run", h.Run)
}

// Last handles GET /v1/admin/reconciliation
func (h *Handler) Last(c *gin.Context) {
	var report *Report
	if h.timer != nil {
		report = h.timer.Last()
	}
	if report == nil {
		apperr.Respond(c, apperr.NotFound("no reconciliation run yet"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Run handles POST /v1/admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	report, err := h.service.Run(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

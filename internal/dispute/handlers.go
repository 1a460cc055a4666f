package dispute

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
	"github.com/olawolejethro/azariPay-sub002/internal/auth"
	"github.com/olawolejethro/azariPay-sub002/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new dispute handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterProtectedRoutes sets up the routes trade parties use.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Create)
	r.GET("/disputes/:id", h.Get)
	r.GET("/trades/:id/disputes", h.ListForTrade)
}

// RegisterAdminRoutes sets up the operations routes. The group must
// already require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.Queue)
	r.GET("/disputes/:id", h.AdminGet)
	r.POST("/disputes/:id/review", h.Review)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// Create handles POST /v1/disputes
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	if errs := validation.Struct(req); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	userID, _ := auth.UserID(c)
	d, err := h.manager.CreateDispute(c.Request.Context(), userID, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	userID, _ := auth.UserID(c)
	d, err := h.manager.GetDisputeDetails(c.Request.Context(), id, userID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, d)
}

// ListForTrade handles GET /v1/trades/:id/disputes
func (h *Handler) ListForTrade(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	userID, _ := auth.UserID(c)
	disputes, err := h.manager.ListForTrade(c.Request.Context(), id, userID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// Queue handles GET /v1/admin/disputes
func (h *Handler) Queue(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	disputes, err := h.manager.Queue(c.Request.Context(), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// AdminGet handles GET /v1/admin/disputes/:id
func (h *Handler) AdminGet(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	d, err := h.manager.Details(c.Request.Context(), id)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, d)
}

// Review handles POST /v1/admin/disputes/:id/review
func (h *Handler) Review(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	if errs := validation.Struct(req); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	adminID, _ := auth.UserID(c)
	d, err := h.manager.Review(c.Request.Context(), id, adminID, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	if errs := validation.Struct(req); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	adminID, _ := auth.UserID(c)
	d, err := h.manager.ResolveDispute(c.Request.Context(), id, adminID, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

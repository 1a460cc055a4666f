package negotiation

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
	"github.com/olawolejethro/azariPay-sub002/internal/auth"
	"github.com/olawolejethro/azariPay-sub002/internal/validation"
)

// Handler provides HTTP endpoints for rate negotiation.
type Handler struct {
	service *Service
}

// NewHandler creates a new negotiation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up protected (auth-required) negotiation routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/negotiations", h.Create)
	r.GET("/negotiations", h.List)
	r.GET("/negotiations/:id", h.Get)
	r.POST("/negotiations/:id/rate", h.UpdateRate)
	r.POST("/negotiations/:id/respond", h.Respond)
	r.POST("/negotiations/:id/cancel", h.Cancel)
	r.GET("/orders/:id/agreed-negotiation", h.GetAgreed)
}

// Create handles POST /v1/negotiations
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
	n, err := h.service.CreateNegotiation(c.Request.Context(), req.OrderID, userID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"negotiation": n})
}

// List handles GET /v1/negotiations
func (h *Handler) List(c *gin.Context) {
	userID, _ := auth.UserID(c)
	limit, _ := strconv.Atoi(c.Query("limit"))

	list, err := h.service.ListForUser(c.Request.Context(), userID, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"negotiations": list, "count": len(list)})
}

// Get handles GET /v1/negotiations/:id
func (h *Handler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	userID, _ := auth.UserID(c)
	n, err := h.service.Get(c.Request.Context(), id, userID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

// UpdateRate handles POST /v1/negotiations/:id/rate
func (h *Handler) UpdateRate(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req UpdateRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	if errs := validation.Struct(req); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	userID, _ := auth.UserID(c)
	n, err := h.service.UpdateNegotiationRate(c.Request.Context(), id, userID, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

// Respond handles POST /v1/negotiations/:id/respond
func (h *Handler) Respond(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	if req.Action == "" {
		req.Action = "accept"
	}
	if errs := validation.Struct(req); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	userID, _ := auth.UserID(c)
	n, err := h.service.RespondToNegotiation(c.Request.Context(), id, userID, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

// Cancel handles POST /v1/negotiations/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req CancelRequest
	// Body is optional.
	_ = c.ShouldBindJSON(&req)

	userID, _ := auth.UserID(c)
	n, err := h.service.CancelNegotiation(c.Request.Context(), id, userID, req.Reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

// GetAgreed handles GET /v1/orders/:id/agreed-negotiation
func (h *Handler) GetAgreed(c *gin.Context) {
	orderID, ok := parseID(c)
	if !ok {
		return
	}

	userID, _ := auth.UserID(c)
	n, err := h.service.GetAgreedNegotiation(c.Request.Context(), orderID, userID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"negotiation": n})
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

package trade

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
	"github.com/olawolejethro/azariPay-sub002/internal/auth"
	"github.com/olawolejethro/azariPay-sub002/internal/validation"
)

// Handler provides HTTP endpoints for trades.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new trade handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterProtectedRoutes sets up protected (auth-required) trade routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.Create)
	r.GET("/trades", h.List)
	r.GET("/trades/open", h.HasOpen)
	r.GET("/trades/:id", h.Get)
	r.POST("/trades/:id/proceed", h.Proceed)
	r.POST("/trades/:id/payment-sent", h.PaymentSent)
	r.POST("/trades/:id/release", h.Release)
	r.POST("/trades/:id/cancel", h.Cancel)
	r.POST("/trades/:id/status", h.UpdateStatus)
	r.POST("/trades/:id/rate", h.UpdateRate)
}

// Create handles POST /v1/trades
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
	d, err := h.manager.CreateTrade(c.Request.Context(), userID, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusCreated, d)
}

// List handles GET /v1/trades
func (h *Handler) List(c *gin.Context) {
	userID, _ := auth.UserID(c)
	limit, _ := strconv.Atoi(c.Query("limit"))

	trades, err := h.manager.ListUserTrades(c.Request.Context(), userID, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// HasOpen handles GET /v1/trades/open
func (h *Handler) HasOpen(c *gin.Context) {
	userID, _ := auth.UserID(c)
	open, err := h.manager.CheckUserHasOpenTrades(c.Request.Context(), userID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"hasOpenTrades": open})
}

// Get handles GET /v1/trades/:id
func (h *Handler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	userID, _ := auth.UserID(c)
	d, err := h.manager.GetTrade(c.Request.Context(), id, userID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, d)
}

// Proceed handles POST /v1/trades/:id/proceed
func (h *Handler) Proceed(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	userID, _ := auth.UserID(c)
	d, err := h.manager.Proceed(c.Request.Context(), id, userID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, d)
}

// PaymentSent handles POST /v1/trades/:id/payment-sent
func (h *Handler) PaymentSent(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	userID, _ := auth.UserID(c)
	t, err := h.manager.NotifyPaymentSent(c.Request.Context(), id, userID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// Release handles POST /v1/trades/:id/release
func (h *Handler) Release(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	userID, _ := auth.UserID(c)
	d, err := h.manager.ReleaseFunds(c.Request.Context(), id, userID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, d)
}

// Cancel handles POST /v1/trades/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req CancelRequest
	// Body is optional.
	_ = c.ShouldBindJSON(&req)
	if errs := validation.Struct(req); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	userID, _ := auth.UserID(c)
	t, err := h.manager.CancelTradeWithReason(c.Request.Context(), id, userID, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// UpdateStatus handles POST /v1/trades/:id/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	if errs := validation.Struct(req); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	userID, _ := auth.UserID(c)
	t, err := h.manager.UpdateTradeStatus(c.Request.Context(), id, userID, req.Status, req.Reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// UpdateRate handles POST /v1/trades/:id/rate
func (h *Handler) UpdateRate(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	if errs := validation.Struct(req); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	userID, _ := auth.UserID(c)
	t, err := h.manager.UpdateTradeRate(c.Request.Context(), id, userID, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
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

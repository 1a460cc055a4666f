package escrow

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
	"github.com/olawolejethro/azariPay-sub002/internal/auth"
)

// Handler provides read-only HTTP endpoints for escrows. Money moves only
// through the trade and dispute endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/trade/:tradeId", h.GetByTrade)
}

// GetByTrade handles GET /v1/escrows/trade/:tradeId
func (h *Handler) GetByTrade(c *gin.Context) {
	tradeID, err := strconv.ParseInt(c.Param("tradeId"), 10, 64)
	if err != nil || tradeID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "tradeId must be a positive integer",
		})
		return
	}

	e, err := h.service.GetByTradeID(c.Request.Context(), tradeID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	userID, _ := auth.UserID(c)
	if userID != e.SellerID && userID != e.BuyerID && !auth.IsAdmin(c) {
		apperr.Respond(c, apperr.Forbidden("not a party to trade %d", tradeID))
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

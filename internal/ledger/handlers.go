package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
	"github.com/olawolejethro/azariPay-sub002/internal/auth"
)

// Handler provides HTTP endpoints for wallet reads.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterProtectedRoutes sets up wallet routes for the authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallets", h.ListBalances)
	r.GET("/wallets/:currency", h.GetBalance)
	r.GET("/wallets/history", h.GetHistory)
}

// ListBalances handles GET /v1/wallets
func (h *Handler) ListBalances(c *gin.Context) {
	userID, _ := auth.UserID(c)

	balances, err := h.ledger.Balances(c.Request.Context(), userID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"balances": balances, "count": len(balances)})
}

// GetBalance handles GET /v1/wallets/:currency
func (h *Handler) GetBalance(c *gin.Context) {
	userID, _ := auth.UserID(c)
	currency := normalizeCurrency(c.Param("currency"))

	available, err := h.ledger.GetBalance(c.Request.Context(), userID, currency)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"currency":  currency,
		"available": available,
	})
}

// GetHistory handles GET /v1/wallets/history
func (h *Handler) GetHistory(c *gin.Context) {
	userID, _ := auth.UserID(c)

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := h.ledger.History(c.Request.Context(), userID, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

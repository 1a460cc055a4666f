package orders

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
	"github.com/olawolejethro/azariPay-sub002/internal/auth"
	"github.com/olawolejethro/azariPay-sub002/internal/validation"
)

// Handler provides HTTP endpoints for the order book.
type Handler struct {
	book *Book
}

// NewHandler creates a new order handler.
func NewHandler(book *Book) *Handler {
	return &Handler{book: book}
}

// RegisterRoutes sets up public (read-only) order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
}

// RegisterProtectedRoutes sets up protected (auth-required) order routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.POST("/orders/:id/close", h.CloseOrder)
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadBody(c)
		return
	}
	req.Kind = Kind(strings.ToUpper(string(req.Kind)))
	if errs := validation.Struct(req); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	userID, _ := auth.UserID(c)
	order, err := h.book.Create(c.Request.Context(), userID, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	order, err := h.book.Get(c.Request.Context(), id)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ListOrders handles GET /v1/orders?kind=SELL
func (h *Handler) ListOrders(c *gin.Context) {
	kind := Kind(strings.ToUpper(c.DefaultQuery("kind", string(KindSell))))
	if kind != KindSell && kind != KindBuy {
		apperr.Respond(c, apperr.BadRequest("kind must be SELL or BUY"))
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	orders, err := h.book.ListOpen(c.Request.Context(), kind, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// CloseOrder handles POST /v1/orders/:id/close
func (h *Handler) CloseOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	userID, _ := auth.UserID(c)
	order, err := h.book.Close(c.Request.Context(), id, userID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
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

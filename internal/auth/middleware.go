// Package auth attaches the caller identity asserted by the upstream
// gateway to the request. Authentication and KYC happen before traffic
// reaches this service; requests carry the verified user in headers signed
// off with a shared gateway secret.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID is the gin context key for the authenticated user ID.
	ContextKeyUserID = "authUserID"
	// ContextKeyRole is the gin context key for the caller role.
	ContextKeyRole = "authRole"

	HeaderUserID        = "X-User-ID"
	HeaderUserRole      = "X-User-Role"
	HeaderGatewaySecret = "X-Gateway-Secret"

	RoleAdmin = "admin"
)

// Middleware reads the gateway identity headers. When secret is non-empty
// the request must present it, otherwise the identity is ignored.
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret != "" {
			got := c.GetHeader(HeaderGatewaySecret)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				c.Next()
				return
			}
		}

		if raw := c.GetHeader(HeaderUserID); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
				c.Set(ContextKeyUserID, id)
				c.Set(ContextKeyRole, c.GetHeader(HeaderUserRole))
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without an identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := UserID(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authenticated user required.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin role required.",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user ID.
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(ContextKeyUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// IsAdmin reports whether the caller has the admin role.
func IsAdmin(c *gin.Context) bool {
	_, ok := UserID(c)
	return ok && c.GetString(ContextKeyRole) == RoleAdmin
}

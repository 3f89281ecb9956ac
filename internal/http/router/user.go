package router

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/http/handler"
)

func UserRouter(group *gin.RouterGroup, h *handler.UserHandler, credits *handler.CreditHandler, adminAPIKey string) {
	group.POST("", h.Create)
	group.GET("/:id", h.GetByID)
	group.GET("/:id/credits", credits.GetBalance)
	group.POST("/:id/credits/grant", requireAdminKey(adminAPIKey), credits.Grant)
}

// requireAdminKey gates a route behind the X-Admin-Key header. With no key
// configured the route is disabled outright rather than left open.
func requireAdminKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin API disabled"})
			return
		}
		provided := c.GetHeader("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}
		c.Next()
	}
}

package middlewares

import (
	"net/http"

	"bitbucket.org/mmdatafocus/supply_backend/config"
	"bitbucket.org/mmdatafocus/supply_backend/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware resolves the legacy "token" header against the session keys in redis
// ("Token:<token>" holds the user name).
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		if config.GetRedisDB() == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
			c.Abort()
			return
		}
		username, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetUserNameInContext(c.Request.Context(), username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

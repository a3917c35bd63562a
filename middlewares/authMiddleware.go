package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/supply_backend/utils"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware reads an optional bearer token. A valid token puts the user's id and name
// on the request context; the name becomes the actor label on ledger entries.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")

		if auth == "" {
			c.Next()
			return
		}

		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		validate, err := utils.JwtValidate(strings.TrimSpace(token))
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		customClaim, _ := validate.Claims.(*utils.JwtCustomClaim)

		ctx := c.Request.Context()
		if customClaim != nil {
			ctx = utils.SetUserIdInContext(ctx, customClaim.ID)
			ctx = utils.SetUserNameInContext(ctx, customClaim.Name)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequirePermission gates a handler on the authenticated key carrying all
// of the named permissions.
func RequirePermission(perms ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := KeyFromContext(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "AUTHENTICATION_ERROR", "unauthorized")
			return
		}
		for _, perm := range perms {
			if !key.HasPermission(perm) {
				abort(c, http.StatusForbidden, "FORBIDDEN",
					fmt.Sprintf("missing %q permission", perm))
				return
			}
		}
		c.Next()
	}
}

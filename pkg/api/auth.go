package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// bearerAuth returns middleware that requires `Authorization: Bearer
// <token>` on every request. The comparison is constant-time.
func bearerAuth(token string) gin.HandlerFunc {
	expected := []byte("Bearer " + token)
	return func(c *gin.Context) {
		header := []byte(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare(header, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				&ErrorResponse{Error: "invalid or missing bearer token"})
			return
		}
		c.Next()
	}
}

// requestOrg extracts the tenant scope from the query string. Empty
// means the caller wants the unscoped view.
func requestOrg(c *gin.Context) (orgID string, includeAll bool) {
	orgID = c.Query("org")
	return orgID, orgID == ""
}

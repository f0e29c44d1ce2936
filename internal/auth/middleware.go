package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vibe80/vibe80/pkg/wire"
)

// ContextWorkspaceID is the gin context key carrying the authenticated
// workspace id.
const ContextWorkspaceID = "workspaceID"

// Middleware enforces a valid access token on every route it wraps. Routes
// exempt from authentication (workspace create, login, refresh, handoff
// consume, health) are simply not wrapped.
func (m *Manager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"errorCode": wire.ErrCodeWorkspaceTokenMissing,
				"message":   "workspace access token required",
			})
			return
		}
		workspaceID, err := m.VerifyAccessToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"errorCode": wire.ErrCodeWorkspaceTokenInvalid,
				"message":   "invalid workspace token",
			})
			return
		}
		c.Set(ContextWorkspaceID, workspaceID)
		c.Next()
	}
}

// WorkspaceID returns the authenticated workspace id from the gin context.
func WorkspaceID(c *gin.Context) string {
	v, _ := c.Get(ContextWorkspaceID)
	s, _ := v.(string)
	return s
}

func extractToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
		return h
	}
	return c.Query("token")
}

package api

import (
	"github.com/gin-gonic/gin"
)

const userIDKey = "scenesync.user"

// authMiddleware resolves the caller through the identity verifier and
// stores the user id in the gin context.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := s.verifier.UserFromRequest(c.Request)
		if err != nil {
			respondError(c, err)
			c.Abort()

			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

// UserID returns the authenticated user of the request.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

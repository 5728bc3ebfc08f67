package server

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const userIDKey = "user_id"

// UserRequired trusts the authenticating proxy's X-User-Id header. Session
// mechanics live outside this service.
func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader("X-User-Id"))
		if userID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func (s *Server) GenerationRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.genLimiter.Enabled() {
			c.Next()
			return
		}
		if !s.genLimiter.AllowUser(c.Request.Context(), s.currentUser(c)) {
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func (s *Server) currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}

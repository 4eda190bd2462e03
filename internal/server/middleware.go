package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// UserAuth creates middleware that validates the bearer token and stores the
// resolved user id on the request context.
func (s *Server) UserAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header format must be Bearer {token}"})
			c.Abort()
			return
		}

		userID, err := s.users.Verify(c.Request.Context(), parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("userID", userID)
		c.Next()
	}
}

// WorkerAuth creates middleware that checks the shared secret simulation
// workers present on state reports.
func (s *Server) WorkerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.workers.Verify(c.GetHeader("X-Worker-Secret")); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid worker secret"})
			c.Abort()
			return
		}
		c.Next()
	}
}

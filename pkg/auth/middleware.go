package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/developer-mesh/boardsync/pkg/observability"
	"github.com/gin-gonic/gin"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

const (
	// ClaimsContextKey is the key for storing claims in the gin context
	ClaimsContextKey contextKey = "auth_claims"
)

// GinMiddleware authenticates requests with a bearer token, taken from the
// Authorization header or the access_token query parameter (browsers cannot
// set headers on a WebSocket upgrade). When the route has a :board parameter
// the token must grant that board. Without a secret every request passes.
func (s *Service) GinMiddleware(logger observability.Logger) gin.HandlerFunc {
	logger = observability.OrNoop(logger)

	return func(c *gin.Context) {
		if !s.Enabled() {
			c.Next()
			return
		}

		token := ""
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		} else {
			token = c.Query("access_token")
		}

		claims, err := s.ValidateToken(token)
		if err != nil {
			logger.Warn("Authentication failed", map[string]interface{}{
				"error": err.Error(),
				"ip":    c.ClientIP(),
				"path":  c.Request.URL.Path,
			})
			message := "Authentication required"
			if errors.Is(err, ErrTokenExpired) {
				message = "Session expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
			return
		}

		if board := c.Param("board"); board != "" && !claims.CanAccess(board) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Board access denied"})
			return
		}

		c.Set(string(ClaimsContextKey), claims)
		c.Next()
	}
}

// GetClaimsFromContext extracts the authenticated claims from the gin context
func GetClaimsFromContext(c *gin.Context) (*Claims, bool) {
	value, exists := c.Get(string(ClaimsContextKey))
	if !exists {
		return nil, false
	}
	claims, ok := value.(*Claims)
	return claims, ok
}

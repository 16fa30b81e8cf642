package middleware

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// IsValidIdentifier reports whether s is usable as a board or object id
func IsValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// ValidateRequest rejects malformed path parameters and non-JSON bodies
// before they reach a handler. params lists the path parameters that must
// be identifiers.
func ValidateRequest(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range params {
			if value := c.Param(name); value != "" && !IsValidIdentifier(value) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s", name)})
				return
			}
		}

		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			if !strings.HasPrefix(c.GetHeader("Content-Type"), "application/json") {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "content-type must be application/json"})
				return
			}
		}
		c.Next()
	}
}

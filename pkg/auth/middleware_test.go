package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(service *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/boards/:board", service.GinMiddleware(nil), func(c *gin.Context) {
		claims, ok := GetClaimsFromContext(c)
		if !ok {
			c.String(http.StatusOK, "anonymous")
			return
		}
		c.String(http.StatusOK, claims.UserID)
	})
	return router
}

func TestGinMiddleware(t *testing.T) {
	service := NewService("secret")
	router := newRouter(service)
	token, err := service.GenerateToken("u1", "", []string{"b1"}, time.Hour)
	require.NoError(t, err)

	serve := func(req *http.Request) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("accepts a bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/boards/b1", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := serve(req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "u1", w.Body.String())
	})

	t.Run("accepts a query token", func(t *testing.T) {
		w := serve(httptest.NewRequest(http.MethodGet, "/boards/b1?access_token="+token, nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("rejects missing tokens", func(t *testing.T) {
		w := serve(httptest.NewRequest(http.MethodGet, "/boards/b1", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("rejects other boards", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/boards/b2", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := serve(req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("passes through without a secret", func(t *testing.T) {
		w := httptest.NewRecorder()
		newRouter(NewService("")).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boards/b1", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "anonymous", w.Body.String())
	})
}

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService(t *testing.T) {
	service := NewService("secret")

	t.Run("round trips a token", func(t *testing.T) {
		token, err := service.GenerateToken("u1", "Ada", []string{"b1"}, time.Hour)
		require.NoError(t, err)

		claims, err := service.ValidateToken(token)
		require.NoError(t, err)
		assert.Equal(t, "u1", claims.UserID)
		assert.Equal(t, "Ada", claims.DisplayName)
		assert.True(t, claims.CanAccess("b1"))
		assert.False(t, claims.CanAccess("b2"))
	})

	t.Run("rejects expired tokens", func(t *testing.T) {
		past := NewService("secret")
		past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		token, err := past.GenerateToken("u1", "", nil, time.Hour)
		require.NoError(t, err)

		_, err = service.ValidateToken(token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("rejects other secrets", func(t *testing.T) {
		token, err := NewService("other").GenerateToken("u1", "", nil, time.Hour)
		require.NoError(t, err)

		_, err = service.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("rejects other signing methods", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u1"}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = service.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("rejects tokens without a user", func(t *testing.T) {
		token, err := service.GenerateToken("", "", nil, time.Hour)
		require.NoError(t, err)

		_, err = service.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("disabled without secret", func(t *testing.T) {
		disabled := NewService("")
		assert.False(t, disabled.Enabled())
		_, err := disabled.GenerateToken("u1", "", nil, time.Hour)
		assert.ErrorIs(t, err, ErrNoSecret)
	})

	t.Run("no board list grants every board", func(t *testing.T) {
		assert.True(t, (&Claims{}).CanAccess("anything"))
	})
}

func TestExpiresAt(t *testing.T) {
	t.Run("reads exp without the secret", func(t *testing.T) {
		service := NewService("secret")
		fixed := time.Unix(1_700_000_000, 0)
		service.now = func() time.Time { return fixed }
		token, err := service.GenerateToken("u1", "", nil, time.Minute)
		require.NoError(t, err)

		exp, ok, err := ExpiresAt(token)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, exp.Equal(fixed.Add(time.Minute)))
	})

	t.Run("token without exp", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{UserID: "u1"}).SignedString([]byte("k"))
		require.NoError(t, err)

		_, ok, err := ExpiresAt(token)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("garbage", func(t *testing.T) {
		_, _, err := ExpiresAt("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

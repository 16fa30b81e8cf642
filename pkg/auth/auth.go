// Package auth validates participant tokens on the relay and turns token
// expiry into the signed-out signal the connection manager consumes.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// Common errors
var (
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("JWT secret not configured")
)

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name,omitempty"`
	Boards      []string `json:"boards,omitempty"`
}

// CanAccess reports whether the token grants access to a board. A token
// without a board list grants every board.
func (c *Claims) CanAccess(boardID string) bool {
	if len(c.Boards) == 0 {
		return true
	}
	for _, b := range c.Boards {
		if b == boardID {
			return true
		}
	}
	return false
}

// Service signs and validates HMAC tokens
type Service struct {
	secret []byte
	now    func() time.Time
}

// NewService creates a token service for secret
func NewService(secret string) *Service {
	return &Service{secret: []byte(secret), now: time.Now}
}

// Enabled reports whether a secret is configured
func (s *Service) Enabled() bool {
	return len(s.secret) > 0
}

// ValidateToken parses and verifies a token
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" || !s.Enabled() {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		var validation *jwt.ValidationError
		if errors.As(err, &validation) && validation.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateToken issues a token for userID valid for ttl
func (s *Service) GenerateToken(userID, displayName string, boards []string, ttl time.Duration) (string, error) {
	if !s.Enabled() {
		return "", ErrNoSecret
	}

	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		UserID:      userID,
		DisplayName: displayName,
		Boards:      boards,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ExpiresAt reads the exp claim without verifying the signature. Clients hold
// tokens they cannot verify and only need to know when to stop using them.
func ExpiresAt(tokenString string) (time.Time, bool, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false, nil
	}
	return claims.ExpiresAt.Time, true, nil
}

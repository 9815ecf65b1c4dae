package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer      = "residenthub"
	residentIDKey    = "resident_id"
	bearerPrefix     = "Bearer "
	tokenQueryParam  = "token"
	defaultTokenLife = 72 * time.Hour
)

var errInvalidToken = errors.New("invalid token")

// GenerateToken генерує JWT, де subject це ID мешканця
func GenerateToken(secret []byte, residentID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultTokenLife
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   residentID,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseToken перевіряє tokenString та повертає ID мешканця.
func ParseToken(secret []byte, tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: empty subject", errInvalidToken)
	}
	return claims.Subject, nil
}

// RequireAuth приймає bearer токен або, для браузерів що відкривають WebSocket,
// query параметр token.
func (h *Handler) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query(tokenQueryParam)
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, bearerPrefix) {
			tokenString = strings.TrimPrefix(header, bearerPrefix)
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
			return
		}

		id, err := ParseToken(h.secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
			return
		}
		c.Set(residentIDKey, id)
		c.Next()
	}
}

func residentID(c *gin.Context) string {
	return c.GetString(residentIDKey)
}

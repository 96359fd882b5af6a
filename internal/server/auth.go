package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Token kinds.
const (
	kindSession = "session"
	kindCustom  = "custom"
)

// principalKey is the gin context key holding the authenticated *Claims.
const principalKey = "principal"

// Claims is the JWT payload for both session and custom tokens.
type Claims struct {
	UID       string `json:"uid"`
	Anonymous bool   `json:"anon,omitempty"`
	Kind      string `json:"kind"`
	jwt.RegisteredClaims
}

// MintCustomToken signs a token that lets a device sign in as uid.
// It is exchanged for a session token at POST /v1/auth/token.
func MintCustomToken(secret, uid string, ttl time.Duration) (string, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return "", errors.New("uid cannot be empty")
	}
	return signToken(secret, &Claims{UID: uid, Kind: kindCustom}, ttl)
}

func signToken(secret string, claims *Claims, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	claims.Subject = claims.UID

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies tokenStr and returns its claims.
func ParseToken(secret, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// authMiddleware requires a valid session token, from the Authorization
// header or the token query parameter (websocket clients).
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var tokenStr string

		if header := c.GetHeader("Authorization"); header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				tokenStr = parts[1]
			}
		}
		if tokenStr == "" {
			tokenStr = c.Query("token")
		}
		if tokenStr == "" {
			abort(c, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := ParseToken(secret, tokenStr)
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if claims.Kind != kindSession {
			abort(c, http.StatusUnauthorized, "custom tokens must be exchanged first")
			return
		}

		c.Set(principalKey, claims)
		c.Next()
	}
}

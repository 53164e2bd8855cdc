package app

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/indraafito/EcoTrade-sub000/internal/kiosk"
)

// Context keys set by authMiddleware.
const (
	ctxUserID   = "user_id"
	ctxUsername = "username"
	ctxRole     = "role"
)

const roleAdmin = "admin"

// Claims is the token issued by the EcoTrade backend. The subject is the user id.
type Claims struct {
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// SignToken issues an HS256 token for userID, valid for ttl.
func SignToken(secret, userID, username, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(tokenString) == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "missing bearer token"})
			c.Abort()
			return
		}

		claims, err := parseToken(key, strings.TrimSpace(tokenString))
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": msg})
			c.Abort()
			return
		}
		if claims.Subject == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "token has no subject"})
			c.Abort()
			return
		}

		c.Set(ctxUserID, claims.Subject)
		c.Set(ctxUsername, claims.Username)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

func parseToken(key []byte, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}
	return claims, nil
}

// kioskVerifier checks the user tokens kiosks forward with each scan.
func kioskVerifier(secret string) kiosk.VerifyFunc {
	key := []byte(secret)
	return func(tokenString string) (kiosk.Identity, error) {
		claims, err := parseToken(key, tokenString)
		if err != nil {
			return kiosk.Identity{}, err
		}
		if claims.Subject == "" {
			return kiosk.Identity{}, errors.New("token has no subject")
		}
		return kiosk.Identity{UserID: claims.Subject, Username: claims.Username}, nil
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ctxRole) != roleAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "admin role required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	jwx "github.com/lestrrat-go/jwx/v2/jwt"
)

const errUnauthorized = "Unauthorized"

// Auth validates a Bearer JWT and sets "operator" in the gin context to the
// token's subject claim. There is no per-operator ownership in this
// system — pipelines, runs and schedules are shared admin-surface
// resources — so the claim is only used for audit logging, never for
// authorization decisions.
//
// When jwksURL is empty this verifies HS256 tokens against hmacKey, the
// local-dev path. When jwksURL is set it takes precedence: tokens are
// verified as RS256 against the fetched key set, auto-refreshed every 15
// minutes, for an operator IdP that publishes its own JWKS.
func Auth(jwksURL string, hmacKey []byte) gin.HandlerFunc {
	if jwksURL == "" {
		return authHMAC(hmacKey)
	}
	return authJWKS(jwksURL)
}

func authHMAC(hmacKey []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawToken, ok := bearerToken(c)
		if !ok {
			return
		}

		token, err := jwt.Parse(rawToken, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return hmacKey, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		operator, ok := claims["sub"].(string)
		if !ok || operator == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		c.Set("operator", operator)
		c.Next()
	}
}

func authJWKS(jwksURL string) gin.HandlerFunc {
	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		panic("jwk cache register: " + err.Error())
	}

	return func(c *gin.Context) {
		rawToken, ok := bearerToken(c)
		if !ok {
			return
		}

		keySet, err := cache.Get(c.Request.Context(), jwksURL)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		tok, err := jwx.Parse([]byte(rawToken), jwx.WithKeySet(keySet), jwx.WithValidate(true))
		if err != nil || tok == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		operator := tok.Subject()
		if operator == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		c.Set("operator", operator)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
		return "", false
	}
	return strings.TrimPrefix(header, "Bearer "), true
}

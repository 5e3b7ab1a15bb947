// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements bearer-token authentication. Authenticate is optional
// by design of the API: requests without an Authorization header pass
// through anonymously, while a present but invalid token is rejected.
// RequireRole guards the administrative routes.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-gateway/internal/auth"
)

const ctxKeyClaims = "auth.claims"

// Authenticate parses an optional "Authorization: Bearer <jwt>" header.
// Valid claims are stored for ClaimsFrom; an invalid or malformed token
// yields 401 unauthorized.
func Authenticate(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := strings.TrimSpace(c.GetHeader("Authorization"))
		if h == "" {
			c.Next()
			return
		}
		scheme, tok, found := strings.Cut(h, " ")
		tok = strings.TrimSpace(tok)
		if !found || !strings.EqualFold(scheme, "Bearer") || tok == "" {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "malformed authorization header")
			return
		}
		claims, err := auth.ParseAccessToken(tok, secret)
		if err != nil {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		c.Set(ctxKeyClaims, claims)

		lg := LoggerFrom(c).With().Str("auth_user_id", claims.UserID).Str("role", claims.Role).Logger()
		attachLogger(c, lg)
		c.Next()
	}
}

// ClaimsFrom returns the claims accepted by Authenticate.
func ClaimsFrom(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ctxKeyClaims)
	if !ok {
		return nil, false
	}
	cl, ok := v.(*auth.Claims)
	return cl, ok && cl != nil
}

// RequireRole admits only authenticated callers holding one of roles.
// Missing credentials yield 401; a wrong role yields 403.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		cl, ok := ClaimsFrom(c)
		if !ok {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		if _, ok := allowed[cl.Role]; !ok {
			abortJSON(c, http.StatusForbidden, "forbidden", "insufficient role")
			return
		}
		c.Next()
	}
}

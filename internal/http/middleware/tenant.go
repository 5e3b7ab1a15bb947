// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the tenant gate. Every request under the API base
// path must name its tenant in X-Tenant-ID, except for the exempt groups
// (sign-in and super-admin provisioning). Session-scoped routes additionally
// require X-User-ID. When a bearer token was accepted by Authenticate and
// the caller is not a super admin, the token's tenant and user must match
// the headers.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-gateway/internal/domain"
)

// Identity headers.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
)

const (
	ctxKeyTenantID = "tenantID"
	ctxKeyUserID   = "userID"
)

// GateOptions configures TenantGate.
type GateOptions struct {
	// BasePath is the API mount point, e.g. /api/v1. Requests outside it
	// pass through untouched. Empty or "/" gates every path.
	BasePath string
	// Exempt lists path prefixes relative to BasePath that do not need a
	// tenant header, e.g. "/auth".
	Exempt []string
}

// TenantGate enforces the tenant header under opts.BasePath.
//
// Failures:
//   - 400 missing_tenant when X-Tenant-ID is absent or blank
//   - 403 tenant_mismatch when a non-super-admin token names another tenant
func TenantGate(opts GateOptions) gin.HandlerFunc {
	base := strings.TrimRight(opts.BasePath, "/")
	exempt := make([]string, 0, len(opts.Exempt))
	for _, e := range opts.Exempt {
		if e = strings.Trim(e, "/"); e != "" {
			exempt = append(exempt, base+"/"+e)
		}
	}

	return func(c *gin.Context) {
		p := c.Request.URL.Path
		if !hasPathPrefix(p, base) {
			c.Next()
			return
		}
		for _, e := range exempt {
			if hasPathPrefix(p, e) {
				c.Next()
				return
			}
		}

		tid := strings.TrimSpace(c.GetHeader(HeaderTenantID))
		if tid == "" {
			gateRejected.WithLabelValues("missing_tenant").Inc()
			abortJSON(c, http.StatusBadRequest, "missing_tenant", "X-Tenant-ID header is required")
			return
		}
		if cl, ok := ClaimsFrom(c); ok && cl.Role != domain.RoleSuperAdmin && cl.TenantID != tid {
			gateRejected.WithLabelValues("tenant_mismatch").Inc()
			abortJSON(c, http.StatusForbidden, "tenant_mismatch", "token does not belong to this tenant")
			return
		}
		c.Set(ctxKeyTenantID, tid)
		c.Next()
	}
}

// RequireUser rejects requests without X-User-ID with 400 missing_user.
// When a bearer token was accepted, a non-super-admin may only name its own
// user id (403 forbidden otherwise). Without a token the header is trusted.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if uid == "" {
			gateRejected.WithLabelValues("missing_user").Inc()
			abortJSON(c, http.StatusBadRequest, "missing_user", "X-User-ID header is required")
			return
		}
		if cl, ok := ClaimsFrom(c); ok && cl.Role != domain.RoleSuperAdmin && cl.UserID != uid {
			gateRejected.WithLabelValues("user_mismatch").Inc()
			abortJSON(c, http.StatusForbidden, "forbidden", "token does not belong to this user")
			return
		}
		c.Set(ctxKeyUserID, uid)
		c.Next()
	}
}

// TenantIDFrom returns the tenant accepted by TenantGate.
func TenantIDFrom(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyTenantID); ok {
		return asString(v)
	}
	return strings.TrimSpace(c.GetHeader(HeaderTenantID))
}

// UserIDFrom returns the user accepted by RequireUser, falling back to the
// raw header.
func UserIDFrom(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyUserID); ok {
		if s := asString(v); s != "" {
			return s
		}
	}
	if c.Request == nil {
		return ""
	}
	return strings.TrimSpace(c.GetHeader(HeaderUserID))
}

// hasPathPrefix reports whether p equals prefix or lies below it. An empty
// prefix matches everything.
func hasPathPrefix(p, prefix string) bool {
	if prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

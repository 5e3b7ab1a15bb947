package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	apiCSP         = "default-src 'none'; frame-ancestors 'none'"
	defaultHSTSAge = 180 * 24 * time.Hour
)

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	// EnableHSTS sends Strict-Transport-Security on HTTPS requests only.
	EnableHSTS bool
	HSTSMaxAge time.Duration // defaults to 180 days

	// NoStorePaths marks responses below these prefixes as uncacheable.
	// The gateway uses it for token and account routes.
	NoStorePaths []string

	// HTMLPaths are served to browsers as pages (Swagger UI) and do not get
	// the locked-down API content security policy.
	HTMLPaths []string

	// EnablePolicy adds Permissions-Policy and X-Permitted-Cross-Domain-Policies.
	EnablePolicy bool
}

// SecurityHeaders sets response hardening headers:
//
//	X-Content-Type-Options: nosniff
//	X-Frame-Options: DENY
//	Referrer-Policy: no-referrer
//	Content-Security-Policy (outside HTMLPaths)
//	Cache-Control: no-store (below NoStorePaths)
//	Strict-Transport-Security (HTTPS with EnableHSTS)
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	age := opt.HSTSMaxAge
	if age <= 0 {
		age = defaultHSTSAge
	}
	hsts := "max-age=" + strconv.FormatInt(int64(age/time.Second), 10) + "; includeSubDomains"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		p := c.Request.URL.Path

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		if !underAny(p, opt.HTMLPaths) {
			h.Set("Content-Security-Policy", apiCSP)
		}
		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "camera=(), geolocation=(), microphone=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}
		if underAny(p, opt.NoStorePaths) {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
		}
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		c.Next()
	}
}

// isHTTPS trusts X-Forwarded-Proto since the gateway runs behind a proxy.
func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func underAny(p string, prefixes []string) bool {
	for _, pre := range prefixes {
		if pre = strings.TrimRight(pre, "/"); pre != "" && hasPathPrefix(p, pre) {
			return true
		}
	}
	return false
}

package middleware

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/sirosfoundation/go-stream-gateway/pkg/config"
	"github.com/sirosfoundation/go-stream-gateway/pkg/httperror"
)

// OriginMatcher reports whether an origin is on the allow-list.
// "*" matches any origin; a single "*" inside an entry matches any
// substring, e.g. "https://*.example.com".
func OriginMatcher(allowed []string) func(origin string) bool {
	return func(origin string) bool {
		for _, pattern := range allowed {
			if matchOrigin(pattern, origin) {
				return true
			}
		}
		return false
	}
}

func matchOrigin(pattern, origin string) bool {
	if pattern == "*" || pattern == origin {
		return true
	}
	prefix, suffix, ok := strings.Cut(pattern, "*")
	if !ok {
		return false
	}
	return len(origin) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(origin, prefix) &&
		strings.HasSuffix(origin, suffix)
}

// CORS enforces the cross-origin policy. Requests whose Origin is neither
// same-host nor allow-listed are rejected with 403; allowed ones get the
// CORS response headers and preflights are answered directly.
func CORS(cfg config.CORSConfig) gin.HandlerFunc {
	allowed := OriginMatcher(cfg.AllowedOrigins)

	inner := cors.New(cors.Config{
		AllowOriginFunc:  allowed,
		AllowMethods:     cfg.AllowedMethods,
		AllowHeaders:     cfg.AllowedHeaders,
		ExposeHeaders:    cfg.ExposedHeaders,
		AllowCredentials: cfg.AllowCredentials,
		AllowWebSockets:  true,
		MaxAge:           time.Duration(cfg.MaxAge) * time.Second,
	})

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && !sameHost(origin, c.Request.Host) && !allowed(origin) {
			abort(c, httperror.Forbidden("Origin not allowed"))
			return
		}
		inner(c)
	}
}

func sameHost(origin, host string) bool {
	return origin == "http://"+host || origin == "https://"+host
}

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fanscale/fanscale-backend/internal/logger"
)

// AdminIDKey is where the middleware stashes the caller's identity for
// handlers and the audit trail.
const AdminIDKey = "admin_user_id"

// AdminMiddleware attributes admin requests. Authentication itself happens
// at the edge; this layer only insists that mutations arrive with an
// identity we can write into the audit log.
type AdminMiddleware struct {
	log *logger.Logger
}

func NewAdminMiddleware(log *logger.Logger) *AdminMiddleware {
	return &AdminMiddleware{log: log.With("Middleware", "AdminMiddleware")}
}

// RequireIdentity rejects mutating requests that carry no X-Admin-ID header.
// Reads pass through so dashboards can poll without attribution.
func (am *AdminMiddleware) RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Admin-ID"))
		if id != "" {
			c.Set(AdminIDKey, id)
			c.Next()
			return
		}
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
		default:
			am.log.Warn("Rejected unattributed mutation", "method", c.Request.Method, "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-Admin-ID header"})
		}
	}
}

package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/smallbiznis/factura/internal/auditcontext"
	"github.com/smallbiznis/factura/internal/orgcontext"
	"go.uber.org/zap"
)

const (
	HeaderOrg       = "X-Org-ID"
	HeaderRequestID = "X-Request-ID"
)

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header(HeaderRequestID, rid)

		ctx := auditcontext.WithRequestID(c.Request.Context(), rid)
		ctx = auditcontext.WithIPAddress(ctx, c.ClientIP())
		ctx = auditcontext.WithUserAgent(ctx, c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
			log.Warn("request failed", fields...)
			return
		}
		log.Info("request", fields...)
	}
}

// OrgContext resolves the tenant from the X-Org-ID header, falling back to
// the configured default org for single-tenant deployments.
func (s *Server) OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderOrg))

		orgID := s.cfg.DefaultOrgID
		if raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed <= 0 {
				AbortWithError(c, newValidationError("org_id", "invalid_org", "invalid org id"))
				return
			}
			orgID = parsed
		}
		if orgID == 0 {
			AbortWithError(c, newValidationError("org_id", "invalid_org", "missing org id"))
			return
		}

		ctx := orgcontext.WithOrgID(c.Request.Context(), orgID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

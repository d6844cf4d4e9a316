package server

import (
	"net/http"
	"strings"
	"time"

	"bidding-tracker/internal/biddingerrors"
	"bidding-tracker/internal/config"
	"bidding-tracker/services/bidding/helpers"
	"bidding-tracker/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RequestLoggerMiddleware logs each request once it completes. Client
// errors log at warn and server errors at error.
func RequestLoggerMiddleware(c *gin.Context) {
	start := time.Now()

	c.Next()

	status := c.Writer.Status()
	fields := map[string]any{
		"method":     c.Request.Method,
		"path":       c.FullPath(),
		"status":     status,
		"latency_ms": time.Since(start).Milliseconds(),
		"client_ip":  c.ClientIP(),
	}
	if fields["path"] == "" {
		fields["path"] = c.Request.URL.Path
	}
	if len(c.Errors) > 0 {
		fields["errors"] = c.Errors.String()
	}

	switch {
	case status >= http.StatusInternalServerError:
		utils.Error("HTTP Request", fields)
	case status >= http.StatusBadRequest:
		utils.Warn("HTTP Request", fields)
	default:
		utils.Info("HTTP Request", fields)
	}
}

// NewCORSMiddleware builds the CORS policy from configuration
func NewCORSMiddleware(cfg config.CORSConfig) gin.HandlerFunc {
	corsCfg := cors.Config{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
		AllowHeaders: cfg.AllowHeaders,
		MaxAge:       cfg.MaxAge,
	}
	utils.Info("CORS middleware initialized", map[string]any{"allow_origins": cfg.AllowOrigins})
	return cors.New(corsCfg)
}

// TokenValidator resolves a bearer token to the bidder it was issued to.
// ValidateAdminToken additionally requires the operator claim.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
	ValidateAdminToken(token string) (string, error)
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(authHeader[len("Bearer "):])
	}
	return ""
}

// RequireBidderToken rejects requests without a valid bearer token and stores
// the token subject under helpers.CtxBidderKey. Matching the subject against
// the submitted bidder is left to the handler, which owns the request body.
func RequireBidderToken(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			utils.JSONError(c, http.StatusUnauthorized, biddingerrors.ErrMissingToken, "access token required", string(biddingerrors.CodeUnauthorized))
			c.Abort()
			return
		}

		bidderID, err := validator.ValidateToken(token)
		if err != nil {
			utils.Warn("token validation failed", map[string]any{"path": c.Request.URL.Path, "error": err.Error()})
			utils.JSONError(c, http.StatusUnauthorized, err, "invalid or expired token", string(biddingerrors.CodeUnauthorized))
			c.Abort()
			return
		}

		c.Set(helpers.CtxBidderKey, bidderID)
		c.Next()
	}
}

// RequireAdminToken guards the operator endpoints. A valid bidder token
// without the admin claim is refused with 403.
func RequireAdminToken(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			utils.JSONError(c, http.StatusUnauthorized, biddingerrors.ErrMissingToken, "access token required", string(biddingerrors.CodeUnauthorized))
			c.Abort()
			return
		}

		subject, err := validator.ValidateAdminToken(token)
		switch biddingerrors.CodeOf(err) {
		case "":
		case biddingerrors.CodeForbidden:
			utils.Warn("admin access refused", map[string]any{"path": c.Request.URL.Path, "error": err.Error()})
			utils.JSONError(c, http.StatusForbidden, err, "admin rights required", string(biddingerrors.CodeForbidden))
			c.Abort()
			return
		default:
			utils.Warn("token validation failed", map[string]any{"path": c.Request.URL.Path, "error": err.Error()})
			utils.JSONError(c, http.StatusUnauthorized, err, "invalid or expired token", string(biddingerrors.CodeUnauthorized))
			c.Abort()
			return
		}

		c.Set(helpers.CtxAdminKey, subject)
		c.Next()
	}
}

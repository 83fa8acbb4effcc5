// Package ginlimit adapta o Enforcer do guard para o gin.
package ginlimit

import (
	ratelimit "guard-gateway/middleware/ratelimit"

	"github.com/gin-gonic/gin"
)

type Option func(*config)

type config struct {
	identityKey string
}

// WithIdentityKey lê a identidade autenticada de c.GetString(key), para handlers
// de auth que gravam o usuário no contexto do gin.
func WithIdentityKey(key string) Option {
	return func(c *config) { c.identityKey = key }
}

// Middleware aplica a política do Enforcer numa rota/grupo gin.
//
// Example:
//
//	enf, _ := ratelimit.NewEnforcer(ratelimit.Options{Guard: g, Registry: reg, Policy: "auth"})
//	router.POST("/api/auth/login", ginlimit.Middleware(enf), loginHandler)
func Middleware(e *ratelimit.Enforcer, opts ...Option) gin.HandlerFunc {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(c *gin.Context) {
		if cfg.identityKey != "" {
			if id := c.GetString(cfg.identityKey); id != "" {
				c.Request = c.Request.WithContext(ratelimit.WithIdentity(c.Request.Context(), id))
			}
		}

		out := e.Evaluate(c.Request)
		if !e.Respond(c.Writer, out) {
			c.Abort()
			return
		}
		c.Next()
	}
}

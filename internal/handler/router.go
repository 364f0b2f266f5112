package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterDeps struct {
	Auth           *AuthHandler
	Health         *HealthHandler
	Authenticator  tokenAuthenticator
	GlobalLimiter  *RateLimiter
	AuthLimiter    *RateLimiter
	AllowedOrigins []string
	Log            *zap.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if d.Log != nil {
		r.Use(RequestLogger(d.Log))
	}
	r.Use(Metrics())
	r.Use(CORSMiddleware(d.AllowedOrigins))

	r.GET("/ping", Ping)
	r.GET("/health", d.Health.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	if d.GlobalLimiter != nil {
		api.Use(d.GlobalLimiter.Middleware())
	}

	auth := api.Group("/auth")
	limited := auth.Group("")
	if d.AuthLimiter != nil {
		limited.Use(d.AuthLimiter.Middleware())
	}
	limited.POST("/register", d.Auth.Register)
	limited.POST("/login", d.Auth.Login)
	limited.POST("/refresh", d.Auth.Refresh)
	limited.POST("/logout", d.Auth.Logout)

	protected := auth.Group("")
	protected.Use(AuthMiddleware(d.Authenticator))
	protected.POST("/logout-all", d.Auth.LogoutAll)
	protected.GET("/me", d.Auth.Me)

	return r
}

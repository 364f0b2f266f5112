package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/bynd-app/backend/internal/model"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	store   pinger
	started time.Time
	version string
	env     string
	log     *zap.Logger
}

func NewHealthHandler(store pinger, version, env string, log *zap.Logger) *HealthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &HealthHandler{
		store:   store,
		started: time.Now(),
		version: version,
		env:     env,
		log:     log,
	}
}

// Health godoc
// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} model.HealthResponse
// @Failure 503 {object} model.HealthResponse
// @Router /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	resp := model.HealthResponse{
		Status:      "ok",
		Uptime:      time.Since(h.started).Seconds(),
		Timestamp:   time.Now().UTC(),
		Version:     h.version,
		Environment: h.env,
	}

	code := http.StatusOK
	if h.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			h.log.Warn("health check: store ping failed", zap.Error(err))
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, resp)
}

// 헬스체크 엔드포인트
func Ping(c *gin.Context) {
	c.JSON(http.StatusOK, model.PingResponse{Message: "pong"})
}

package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/compliancehq/review-engine/internal/config"
	"github.com/compliancehq/review-engine/internal/health"
	"github.com/compliancehq/review-engine/internal/projection"
	"github.com/compliancehq/review-engine/internal/service"
)

func NewRouter(svc *service.ReviewService, summaries *projection.SummaryProjection, findings *projection.FindingsProjection, admin *health.Service, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc, summaries, findings, admin)
	return r
}

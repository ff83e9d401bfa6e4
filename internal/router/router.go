package router

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notify-scheduler/internal/handler/admin"
	"github.com/jwalitptl/notify-scheduler/internal/handler/health"
	"github.com/jwalitptl/notify-scheduler/internal/handler/notification"
	"github.com/jwalitptl/notify-scheduler/internal/handler/prometheus"
	"github.com/jwalitptl/notify-scheduler/internal/handler/stats"
	"github.com/jwalitptl/notify-scheduler/internal/middleware"
	"github.com/jwalitptl/notify-scheduler/internal/ratelimit"
	"github.com/jwalitptl/notify-scheduler/pkg/logger"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type RouterConfig struct {
	GlobalRate     float64
	GlobalBurst    int
	RequestTimeout time.Duration
	MaxBodySize    int64
	// UserRateLimit turns the per user sliding window on for submissions.
	UserRateLimit bool
	MetricsPath   string
}

type Router struct {
	engine        *gin.Engine
	config        RouterConfig
	logger        *logger.Logger
	limiter       ratelimit.Limiter
	notifications *notification.Handler
	stats         Handler
	admin         Handler
	health        *health.Handler
	metrics       *prometheus.Handler
}

func NewRouter(
	notificationH *notification.Handler,
	statsH *stats.Handler,
	adminH *admin.Handler,
	healthH *health.Handler,
	metricsH *prometheus.Handler,
	limiter ratelimit.Limiter,
	logger *logger.Logger,
	config RouterConfig,
) (*Router, error) {
	if err := middleware.RegisterValidators(); err != nil {
		return nil, err
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = middleware.DefaultTimeoutConfig().Duration
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = middleware.DefaultSizeLimitConfig().MaxBodySize
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	engine := gin.New()

	r := &Router{
		engine:        engine,
		config:        config,
		logger:        logger,
		limiter:       limiter,
		notifications: notificationH,
		stats:         statsH,
		admin:         adminH,
		health:        healthH,
		metrics:       metricsH,
	}

	engine.Use(
		middleware.Recovery(logger),
		middleware.RequestID(),
		middleware.Logger(logger),
	)
	if metricsH != nil {
		engine.Use(metricsH.Middleware())
	}

	return r, nil
}

func (r *Router) Engine() *gin.Engine { return r.engine }

func (r *Router) Setup() {
	r.health.RegisterRoutes(r.engine)
	if r.metrics != nil {
		r.engine.GET(r.config.MetricsPath, r.metrics.Handler())
	}

	api := r.engine.Group("/api/v1")
	api.Use(
		middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RPS:   r.config.GlobalRate,
			Burst: r.config.GlobalBurst,
		}).RateLimit(),
		middleware.SecurityHeaders(middleware.DefaultSecurityConfig()),
		middleware.ErrorHandler(r.logger),
		middleware.Timeout(middleware.TimeoutConfig{Duration: r.config.RequestTimeout}),
		middleware.SizeLimit(middleware.SizeLimitConfig{MaxBodySize: r.config.MaxBodySize}),
	)

	var submit []gin.HandlerFunc
	if r.config.UserRateLimit && r.limiter != nil {
		submit = append(submit, middleware.UserRateLimit(r.limiter, r.logger))
	}
	r.notifications.RegisterRoutes(api, submit...)
	r.stats.RegisterRoutes(api)
	r.admin.RegisterRoutes(api)
}

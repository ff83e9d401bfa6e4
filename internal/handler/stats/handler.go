package stats

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notify-scheduler/internal/ratelimit"
	"github.com/jwalitptl/notify-scheduler/internal/service/notification"
	"github.com/jwalitptl/notify-scheduler/pkg/errors"
	"github.com/jwalitptl/notify-scheduler/pkg/httputil"
)

type Handler struct {
	service notification.Service
	limiter ratelimit.Limiter
}

func NewHandler(service notification.Service, limiter ratelimit.Limiter) *Handler {
	return &Handler{service: service, limiter: limiter}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	stats := r.Group("/stats")
	{
		stats.GET("/queue", h.QueueStats)
		stats.GET("/usage/:userId", h.Usage)
	}
}

func (h *Handler) QueueStats(c *gin.Context) {
	stats, err := h.service.QueueStats(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{
		"waiting":   stats.Waiting,
		"active":    stats.Active,
		"completed": stats.Completed,
		"failed":    stats.Failed,
		"delayed":   stats.Delayed,
		"total":     stats.Total(),
	})
}

func (h *Handler) Usage(c *gin.Context) {
	usage, err := h.limiter.Usage(c.Request.Context(), c.Param("userId"))
	if err != nil {
		_ = c.Error(errors.Unavailable("rate limit store unavailable", err))
		return
	}
	httputil.RespondWithSuccess(c, usage)
}

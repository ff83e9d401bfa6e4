package admin

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notify-scheduler/internal/ratelimit"
	"github.com/jwalitptl/notify-scheduler/pkg/errors"
	"github.com/jwalitptl/notify-scheduler/pkg/httputil"
	"github.com/jwalitptl/notify-scheduler/pkg/logger"
)

type Handler struct {
	limiter ratelimit.Limiter
	logger  *logger.Logger
}

func NewHandler(limiter ratelimit.Limiter, logger *logger.Logger) *Handler {
	return &Handler{limiter: limiter, logger: logger}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	admin := r.Group("/admin")
	{
		admin.DELETE("/ratelimit/:userId", h.ResetRateLimit)
	}
}

func (h *Handler) ResetRateLimit(c *gin.Context) {
	userID := c.Param("userId")
	if err := h.limiter.Reset(c.Request.Context(), userID); err != nil {
		_ = c.Error(errors.Unavailable("rate limit store unavailable", err))
		return
	}
	h.logger.Info("Rate limit reset", "user_id", userID)
	httputil.RespondWithSuccess(c, gin.H{"userId": userID, "reset": true})
}

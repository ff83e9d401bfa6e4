package notification

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/jwalitptl/notify-scheduler/internal/service/notification"
	"github.com/jwalitptl/notify-scheduler/pkg/errors"
	"github.com/jwalitptl/notify-scheduler/pkg/httputil"
)

type Handler struct {
	service notification.Service
}

func NewHandler(service notification.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the notification endpoints. submit runs in front of
// the submission handler only, typically the per user rate limit.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, submit ...gin.HandlerFunc) {
	notifications := r.Group("/notifications")
	{
		chain := append(append([]gin.HandlerFunc{}, submit...), h.Submit)
		notifications.POST("", chain...)
		notifications.GET("/:id", h.GetJob)
		notifications.GET("/:id/status", h.GetStatus)
	}
}

func (h *Handler) Submit(c *gin.Context) {
	var req notification.SubmitRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) {
			_ = c.Error(err)
			return
		}
		_ = c.Error(errors.BadRequest("Invalid request body", err))
		return
	}

	result, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	httputil.RespondWithStatus(c, http.StatusAccepted, result)
}

func (h *Handler) GetJob(c *gin.Context) {
	view, err := h.service.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, view)
}

func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.service.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, status)
}

package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/jwalitptl/notify-scheduler/internal/ratelimit"
	"github.com/jwalitptl/notify-scheduler/pkg/httputil"
	"github.com/jwalitptl/notify-scheduler/pkg/logger"
)

const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

type identityBody struct {
	UserID string `json:"userId"`
}

// UserRateLimit applies the sliding window limiter to the submitting user.
// The body is read with ShouldBindBodyWith so handlers can bind it again.
// Requests without a userId are keyed by client IP.
func UserRateLimit(limiter ratelimit.Limiter, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body identityBody
		// malformed bodies are rejected by the handler
		_ = c.ShouldBindBodyWith(&body, binding.JSON)

		identity := body.UserID
		if identity == "" {
			identity = "ip:" + c.ClientIP()
		}

		res := limiter.Check(c.Request.Context(), identity)
		c.Header(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
		c.Header(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
		c.Header(HeaderRateLimitReset, strconv.FormatInt(res.ResetTime.Unix(), 10))

		if !res.Allowed {
			retryAfter := res.RetryAfterSeconds()
			c.Header(HeaderRetryAfter, strconv.Itoa(retryAfter))
			log.Debug("Submission rate limited", "user_id", identity, "retry_after", retryAfter)
			httputil.RespondWithDetails(c, http.StatusTooManyRequests,
				"Too many requests, please try again later",
				gin.H{"retryAfter": retryAfter})
			return
		}
		c.Next()
	}
}

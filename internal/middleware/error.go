package middleware

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/jwalitptl/notify-scheduler/pkg/httputil"
	"github.com/jwalitptl/notify-scheduler/pkg/logger"
)

// ErrorHandler renders the last error a handler attached with c.Error.
// Validation failures become 400 with per field details.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last().Err

		var verrs validator.ValidationErrors
		if stderrors.As(lastErr, &verrs) {
			httputil.RespondWithDetails(c, http.StatusBadRequest, "Validation failed", validationDetails(verrs))
			return
		}

		var status interface{ StatusCode() int }
		if !stderrors.As(lastErr, &status) || status.StatusCode() >= 500 {
			log.Error(lastErr, "Request error",
				"request_id", c.GetString(ContextRequestID),
				"path", c.Request.URL.Path,
				"method", c.Request.Method)
		}
		httputil.RespondWithError(c, lastErr)
	}
}

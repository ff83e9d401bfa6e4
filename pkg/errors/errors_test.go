package errors

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  *AppError
		want int
	}{
		{NotFound("job", nil), http.StatusNotFound},
		{BadRequest("bad", nil), http.StatusBadRequest},
		{TooManyRequests("slow down"), http.StatusTooManyRequests},
		{Unavailable("store down", nil), http.StatusServiceUnavailable},
		{Internal(stderrors.New("x")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.StatusCode(), tc.err.Message)
	}
}

func TestAppErrorWraps(t *testing.T) {
	cause := stderrors.New("redis: connection refused")
	err := Internal(cause)

	assert.True(t, stderrors.Is(err, cause))
	assert.Equal(t, "internal server error: redis: connection refused", err.Error())
	assert.Equal(t, "job not found", NotFound("job", nil).Error())
}

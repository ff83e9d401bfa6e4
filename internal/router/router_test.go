package router

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-scheduler/internal/handler/admin"
	"github.com/jwalitptl/notify-scheduler/internal/handler/health"
	notificationhandler "github.com/jwalitptl/notify-scheduler/internal/handler/notification"
	"github.com/jwalitptl/notify-scheduler/internal/handler/prometheus"
	"github.com/jwalitptl/notify-scheduler/internal/handler/stats"
	"github.com/jwalitptl/notify-scheduler/internal/queue"
	"github.com/jwalitptl/notify-scheduler/internal/ratelimit"
	"github.com/jwalitptl/notify-scheduler/internal/scoring"
	"github.com/jwalitptl/notify-scheduler/internal/service/notification"
	"github.com/jwalitptl/notify-scheduler/pkg/logger"
	"github.com/jwalitptl/notify-scheduler/pkg/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

type testAPI struct {
	engine *gin.Engine
	queue  *queue.MemoryQueue
}

func newTestAPI(t *testing.T, ready health.Check) *testAPI {
	t.Helper()
	log := logger.Nop()
	reg := promclient.NewRegistry()
	m := metrics.NewMetrics("notify", "", reg)

	q := queue.NewMemoryQueue(queue.Config{})
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{MaxRequests: 2, Window: time.Minute}, m)
	svc := notification.NewService(q, scoring.KeywordScorer{}, log, m)

	if ready == nil {
		ready = q.Ping
	}
	r, err := NewRouter(
		notificationhandler.NewHandler(svc),
		stats.NewHandler(svc, limiter),
		admin.NewHandler(limiter, log),
		health.NewHandler(map[string]health.Check{"queue": ready}),
		prometheus.New("notify", reg, reg),
		limiter,
		log,
		RouterConfig{GlobalRate: 1000, GlobalBurst: 1000, UserRateLimit: true},
	)
	require.NoError(t, err)
	r.Setup()
	return &testAPI{engine: r.Engine(), queue: q}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)

	var resp apiResponse
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func submission(user string) map[string]interface{} {
	return map[string]interface{}{
		"userId":   user,
		"channel":  "webhook",
		"message":  "Payment failed for invoice 42",
		"target":   "https://example.com/hook",
		"metadata": map[string]interface{}{"invoice": 42, "urgent": true},
	}
}

func TestSubmitNotification(t *testing.T) {
	api := newTestAPI(t, nil)

	w, resp := api.do(t, http.MethodPost, "/api/v1/notifications", submission("u1"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.True(t, resp.Success)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var result notification.SubmitResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.NotEmpty(t, result.JobID)
	assert.Equal(t, 80, result.Score)
	assert.EqualValues(t, "critical", result.Priority)
	assert.Zero(t, result.DelayMs)

	job, err := api.queue.Get(context.Background(), result.JobID)
	require.NoError(t, err)
	n, ok := job.Metadata["invoice"].AsInt64()
	require.True(t, ok)
	assert.EqualValues(t, 42, n)

	w, resp = api.do(t, http.MethodGet, "/api/v1/notifications/"+result.JobID+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(resp.Data), `"status":"waiting"`)

	w, resp = api.do(t, http.MethodGet, "/api/v1/notifications/"+result.JobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(resp.Data), `"userId":"u1"`)
}

func TestSubmitRateLimited(t *testing.T) {
	api := newTestAPI(t, nil)

	for i := 0; i < 2; i++ {
		w, _ := api.do(t, http.MethodPost, "/api/v1/notifications", submission("u2"))
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	w, resp := api.do(t, http.MethodPost, "/api/v1/notifications", submission("u2"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, 429, resp.Error.Code)
	assert.Contains(t, string(resp.Error.Details), "retryAfter")

	w, _ = api.do(t, http.MethodPost, "/api/v1/notifications", submission("u3"))
	assert.Equal(t, http.StatusAccepted, w.Code)

	w, resp = api.do(t, http.MethodGet, "/api/v1/stats/usage/u2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(resp.Data), `"count":2`)

	w, _ = api.do(t, http.MethodDelete, "/api/v1/admin/ratelimit/u2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = api.do(t, http.MethodPost, "/api/v1/notifications", submission("u2"))
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestSubmitValidation(t *testing.T) {
	api := newTestAPI(t, nil)

	body := submission("u4")
	body["channel"] = "sms"
	w, resp := api.do(t, http.MethodPost, "/api/v1/notifications", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Validation failed", resp.Error.Message)
	assert.Contains(t, string(resp.Error.Details), `"field":"channel"`)

	body = submission("u5")
	delete(body, "target")
	w, resp = api.do(t, http.MethodPost, "/api/v1/notifications", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, resp.Error.Message, "target is required")

	w, _ = api.do(t, http.MethodPost, "/api/v1/notifications", `{"userId": "u6", "channel":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownJob(t *testing.T) {
	api := newTestAPI(t, nil)

	w, resp := api.do(t, http.MethodGet, "/api/v1/notifications/nope/status", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "job not found", resp.Error.Message)
}

func TestQueueStats(t *testing.T) {
	api := newTestAPI(t, nil)
	api.do(t, http.MethodPost, "/api/v1/notifications", submission("u7"))

	w, resp := api.do(t, http.MethodGet, "/api/v1/stats/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"waiting":1,"active":0,"completed":0,"failed":0,"delayed":0,"total":1}`, string(resp.Data))
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t, nil)

	w, _ := api.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = api.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	api.do(t, http.MethodGet, "/api/v1/stats/queue", nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	api.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "notify_http_requests_total")

	down := newTestAPI(t, func(context.Context) error { return stderrors.New("connection refused") })
	w, _ = down.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

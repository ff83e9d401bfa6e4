package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-scheduler/internal/model"
	"github.com/jwalitptl/notify-scheduler/pkg/circuitbreaker"
)

type stubScorer struct {
	out Outcome
	err error
}

func (s stubScorer) Score(context.Context, Request) (Outcome, error) { return s.out, s.err }

func TestResolveFallsBackOnError(t *testing.T) {
	out, err := Resolve(context.Background(), stubScorer{err: errors.New("model offline")}, Request{})
	assert.Error(t, err)
	assert.Equal(t, Fallback(), out)
	assert.Equal(t, 50, out.Score)
	assert.Equal(t, model.PriorityMedium, out.Priority)
	assert.True(t, out.ShouldSend)
	assert.True(t, out.Fallback)
}

func TestResolveWithoutScorer(t *testing.T) {
	out, err := Resolve(context.Background(), nil, Request{})
	assert.Error(t, err)
	assert.True(t, out.Fallback)
}

func TestResolveNormalizes(t *testing.T) {
	out, err := Resolve(context.Background(), stubScorer{out: Outcome{Score: 130, Priority: "weird", ShouldSend: true}}, Request{})
	require.NoError(t, err)
	assert.Equal(t, 100, out.Score)
	assert.Equal(t, model.PriorityCritical, out.Priority)
	assert.False(t, out.Fallback)
}

func TestHTTPScorer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "u1", req.UserID)
		assert.Equal(t, model.ChannelWebhook, req.Channel)
		_, _ = w.Write([]byte(`{"score":85,"priority":"critical","reasoning":"outage","shouldSend":true}`))
	}))
	defer srv.Close()

	s := NewHTTPScorer(HTTPConfig{URL: srv.URL}, srv.Client(), nil)
	out, err := Resolve(context.Background(), s, Request{Message: "db down", UserID: "u1", Channel: model.ChannelWebhook})
	require.NoError(t, err)
	assert.Equal(t, 85, out.Score)
	assert.Equal(t, "outage", out.Reasoning)
}

func TestHTTPScorerTimeoutFallsBack(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	s := NewHTTPScorer(HTTPConfig{URL: srv.URL, Timeout: 20 * time.Millisecond}, srv.Client(), nil)
	out, err := Resolve(context.Background(), s, Request{Message: "x"})
	var se *Error
	assert.True(t, errors.As(err, &se))
	assert.True(t, out.Fallback)
}

func TestHTTPScorerBreakerOpens(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:             "scorer-test",
		Timeout:          time.Minute,
		FailureThreshold: 2,
	})
	s := NewHTTPScorer(HTTPConfig{URL: srv.URL}, srv.Client(), breaker)

	for i := 0; i < 4; i++ {
		out, err := Resolve(context.Background(), s, Request{})
		assert.Error(t, err)
		assert.True(t, out.Fallback)
	}
	assert.Equal(t, 2, calls)
	assert.Equal(t, "open", breaker.State())
}

func TestKeywordScorer(t *testing.T) {
	s := KeywordScorer{}
	ctx := context.Background()

	urgent, err := s.Score(ctx, Request{Message: "URGENT: production outage"})
	require.NoError(t, err)
	assert.Equal(t, 80, urgent.Score)
	assert.Equal(t, model.PriorityCritical, urgent.Priority)

	promo, err := s.Score(ctx, Request{Message: "Our weekly newsletter"})
	require.NoError(t, err)
	assert.Equal(t, 15, promo.Score)
	assert.Equal(t, model.PriorityLow, promo.Priority)

	flagged, err := s.Score(ctx, Request{Message: "hello", Metadata: model.Metadata{"urgent": model.Bool(true)}})
	require.NoError(t, err)
	assert.Equal(t, 60, flagged.Score)
}

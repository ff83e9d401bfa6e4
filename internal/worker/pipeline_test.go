package worker_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-scheduler/internal/delivery"
	"github.com/jwalitptl/notify-scheduler/internal/model"
	"github.com/jwalitptl/notify-scheduler/internal/queue"
	"github.com/jwalitptl/notify-scheduler/internal/scoring"
	"github.com/jwalitptl/notify-scheduler/internal/service/notification"
	"github.com/jwalitptl/notify-scheduler/internal/worker"
	"github.com/jwalitptl/notify-scheduler/pkg/logger"
	"github.com/jwalitptl/notify-scheduler/pkg/metrics"
)

type fixedScorer int

func (s fixedScorer) Score(context.Context, scoring.Request) (scoring.Outcome, error) {
	return scoring.Outcome{Score: int(s), Reasoning: "production outage", ShouldSend: true}, nil
}

type hookCall struct {
	body      []byte
	signature string
}

func TestSubmittedNotificationIsDeliveredToWebhook(t *testing.T) {
	const secret = "hook-secret"
	calls := make(chan hookCall, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls <- hookCall{body: body, signature: r.Header.Get(delivery.SignatureHeader)}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := queue.NewMemoryQueue(queue.Config{})
	svc := notification.NewService(q, fixedScorer(85), logger.Nop(), metrics.NewNop())

	ctx := context.Background()
	res, err := svc.Submit(ctx, notification.SubmitRequest{
		UserID:  "u1",
		Channel: model.ChannelWebhook,
		Message: "database is down",
		Target:  srv.URL + "/hooks/alerts",
	})
	require.NoError(t, err)
	assert.Equal(t, 85, res.Score)
	assert.Equal(t, model.PriorityCritical, res.Priority)
	assert.Zero(t, res.DelayMs)

	st, err := svc.GetStatus(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateWaiting, st.State)

	senders := delivery.Registry{
		model.ChannelWebhook: delivery.NewWebhookSender(delivery.WebhookConfig{SigningSecret: secret}, srv.Client()),
	}
	d := worker.NewDispatcher(q, senders, &recordingPublisher{}, testConfig(), logger.Nop(), metrics.NewNop())
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	var call hookCall
	select {
	case call = <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never called")
	}
	require.NoError(t, delivery.VerifySignature(secret, call.signature, call.body))

	var payload struct {
		ID      string `json:"id"`
		UserID  string `json:"userId"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(call.body, &payload))
	assert.Equal(t, res.JobID, payload.ID)
	assert.Equal(t, "u1", payload.UserID)
	assert.Equal(t, "database is down", payload.Message)

	require.Eventually(t, func() bool {
		st, err := svc.GetStatus(ctx, res.JobID)
		return err == nil && st.State == model.JobStateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	st, err = svc.GetStatus(ctx, res.JobID)
	require.NoError(t, err)
	require.NotNil(t, st.Result)
	assert.True(t, st.Result.Success)
	assert.Equal(t, 1, st.Result.Attempts)
}

package notification

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/jwalitptl/notify-scheduler/internal/model"
	"github.com/jwalitptl/notify-scheduler/internal/queue"
	"github.com/jwalitptl/notify-scheduler/internal/scoring"
	apperrors "github.com/jwalitptl/notify-scheduler/pkg/errors"
	"github.com/jwalitptl/notify-scheduler/pkg/logger"
	"github.com/jwalitptl/notify-scheduler/pkg/metrics"
)

const (
	statusCacheTTL     = 30 * time.Second
	statusCacheCleanup = time.Minute
)

type SubmitRequest struct {
	UserID   string         `json:"userId" binding:"required,max=128"`
	Channel  model.Channel  `json:"channel" binding:"required,channel"`
	Message  string         `json:"message" binding:"required,max=4000"`
	Metadata model.Metadata `json:"metadata,omitempty"`
	Target   string         `json:"target,omitempty" binding:"max=2048"`
}

type SubmitResult struct {
	JobID      string         `json:"jobId"`
	Score      int            `json:"score"`
	Priority   model.Priority `json:"priority"`
	Reasoning  string         `json:"reasoning"`
	ShouldSend bool           `json:"shouldSend"`
	DelayMs    int64          `json:"delayMs"`
}

type JobView struct {
	Job    *model.NotificationJob `json:"job"`
	Status *model.JobStatus       `json:"status"`
}

type Service interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	GetJob(ctx context.Context, id string) (*JobView, error)
	GetStatus(ctx context.Context, id string) (*model.JobStatus, error)
	QueueStats(ctx context.Context) (model.QueueStats, error)
}

type service struct {
	queue   queue.Queue
	scorer  scoring.Scorer
	cache   *gocache.Cache
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewService(q queue.Queue, scorer scoring.Scorer, logger *logger.Logger, metrics *metrics.Metrics) Service {
	return &service{
		queue:   q,
		scorer:  scorer,
		cache:   gocache.New(statusCacheTTL, statusCacheCleanup),
		logger:  logger,
		metrics: metrics,
	}
}

// Submit scores the notification and enqueues it. Scoring failures never
// reject a submission; shouldSend is advisory and the job is queued either way.
func (s *service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	payload := model.JobPayload{
		UserID:   req.UserID,
		Channel:  req.Channel,
		Message:  req.Message,
		Metadata: req.Metadata,
		Target:   req.Target,
	}
	if err := payload.Validate(); err != nil {
		return nil, apperrors.BadRequest(err.Error(), err)
	}

	outcome, err := scoring.Resolve(ctx, s.scorer, scoring.Request{
		Message:  req.Message,
		Metadata: req.Metadata,
		UserID:   req.UserID,
		Channel:  req.Channel,
	})
	if err != nil {
		s.metrics.ScoringFallbacks.Inc()
		s.logger.Warn("Scoring failed, using fallback", "user_id", req.UserID, "error", err.Error())
	}
	payload.Score = outcome.Score

	id, err := s.queue.Add(ctx, payload)
	if err != nil {
		return nil, apperrors.Unavailable("failed to enqueue notification", err)
	}

	plan := queue.Schedule(outcome.Score)
	s.metrics.JobsEnqueued.WithLabelValues(string(req.Channel), string(plan.Priority)).Inc()
	s.logger.Info("Notification queued",
		"job_id", id,
		"user_id", req.UserID,
		"channel", string(req.Channel),
		"score", outcome.Score,
		"priority", string(plan.Priority),
		"fallback", outcome.Fallback)

	return &SubmitResult{
		JobID:      id,
		Score:      outcome.Score,
		Priority:   plan.Priority,
		Reasoning:  outcome.Reasoning,
		ShouldSend: outcome.ShouldSend,
		DelayMs:    plan.Delay.Milliseconds(),
	}, nil
}

func (s *service) GetJob(ctx context.Context, id string) (*JobView, error) {
	job, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, queueError(err)
	}
	status, err := s.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobView{Job: job, Status: status}, nil
}

// GetStatus serves terminal statuses from cache; they no longer change.
func (s *service) GetStatus(ctx context.Context, id string) (*model.JobStatus, error) {
	if cached, ok := s.cache.Get(id); ok {
		st := cached.(model.JobStatus)
		return &st, nil
	}

	st, err := s.queue.Status(ctx, id)
	if err != nil {
		return nil, queueError(err)
	}
	if st.State.Terminal() {
		s.cache.Set(id, *st, gocache.DefaultExpiration)
	}
	return st, nil
}

func (s *service) QueueStats(ctx context.Context) (model.QueueStats, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return model.QueueStats{}, apperrors.Unavailable("failed to read queue stats", err)
	}
	return stats, nil
}

func queueError(err error) error {
	if errors.Is(err, queue.ErrJobNotFound) {
		return apperrors.NotFound("job", err)
	}
	return apperrors.Unavailable("job store unavailable", err)
}

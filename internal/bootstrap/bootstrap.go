// Package bootstrap builds the stores, clients and collaborators shared by the
// api and worker binaries from a loaded config.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jwalitptl/notify-scheduler/internal/config"
	"github.com/jwalitptl/notify-scheduler/internal/delivery"
	"github.com/jwalitptl/notify-scheduler/internal/handler/health"
	"github.com/jwalitptl/notify-scheduler/internal/model"
	"github.com/jwalitptl/notify-scheduler/internal/queue"
	"github.com/jwalitptl/notify-scheduler/internal/queue/pgqueue"
	"github.com/jwalitptl/notify-scheduler/internal/queue/redisqueue"
	"github.com/jwalitptl/notify-scheduler/internal/ratelimit"
	"github.com/jwalitptl/notify-scheduler/internal/scoring"
	"github.com/jwalitptl/notify-scheduler/pkg/circuitbreaker"
	"github.com/jwalitptl/notify-scheduler/pkg/logger"
	"github.com/jwalitptl/notify-scheduler/pkg/messaging"
	"github.com/jwalitptl/notify-scheduler/pkg/messaging/redis"
	"github.com/jwalitptl/notify-scheduler/pkg/metrics"
)

type closer struct {
	name string
	fn   func() error
}

// Resources owns every connection opened for a process. Close releases them
// in reverse order of creation.
type Resources struct {
	Config    *config.Config
	Logger    *logger.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Queue     queue.Queue
	Limiter   ratelimit.Limiter
	Publisher messaging.Publisher

	redis   *goredis.Client
	checks  map[string]health.Check
	closers []closer
}

// New opens the queue backend, the rate limiter store and the event
// publisher. On error everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *Resources, err error) {
	r := &Resources{
		Config:   cfg,
		Logger:   log,
		Registry: prometheus.NewRegistry(),
		checks:   map[string]health.Check{},
	}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	if cfg.Metrics.Enabled {
		r.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		r.Metrics = metrics.NewMetrics(cfg.Metrics.Namespace, "", r.Registry)
	} else {
		r.Metrics = metrics.NewNop()
	}

	if r.needsRedis() {
		client, err := redis.NewClient(ctx, cfg.Redis.ToBrokerConfig())
		if err != nil {
			return nil, err
		}
		r.redis = client
		r.addCloser("redis", client.Close)
		r.checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	}

	q, err := r.openQueue(ctx)
	if err != nil {
		return nil, err
	}
	r.Queue = queue.NewInstrumented(q, r.Metrics)
	r.addCloser("queue", r.Queue.Close)
	r.checks["queue"] = r.Queue.Ping

	r.Limiter = r.newLimiter()

	if err := r.openPublisher(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resources) needsRedis() bool {
	return r.Config.RateLimit.Enabled && r.Config.RateLimit.Backend == config.BackendRedis
}

func (r *Resources) addCloser(name string, fn func() error) {
	r.closers = append(r.closers, closer{name: name, fn: fn})
}

func (r *Resources) openQueue(ctx context.Context) (queue.Queue, error) {
	cfg := r.Config
	qcfg := cfg.Queue.ToQueueConfig()

	switch cfg.Queue.Backend {
	case config.BackendMemory:
		r.Logger.Warn("Using in-memory queue, jobs are lost on restart")
		return queue.NewMemoryQueue(qcfg), nil

	case config.BackendRedis:
		// The queue owns its client so closing it never affects the limiter.
		client, err := redis.NewClient(ctx, cfg.Redis.ToBrokerConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to open queue store: %w", err)
		}
		return redisqueue.New(client, cfg.Queue.Prefix, qcfg), nil

	case config.BackendPostgres:
		db, err := pgqueue.NewDB(cfg.Database.ToDBConfig())
		if err != nil {
			return nil, err
		}
		if cfg.Database.AutoMigrate {
			if err := pgqueue.Migrate(db.DB, r.Logger); err != nil {
				db.Close()
				return nil, err
			}
		}
		return pgqueue.New(db, qcfg), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
}

func (r *Resources) newLimiter() ratelimit.Limiter {
	cfg := r.Config.RateLimit.ToLimiterConfig()
	if r.redis != nil {
		return ratelimit.NewRedisLimiter(r.redis, cfg, r.Logger, r.Metrics)
	}
	return ratelimit.NewMemoryLimiter(cfg, r.Metrics)
}

func (r *Resources) openPublisher(ctx context.Context) error {
	if !r.Config.Events.Enabled {
		r.Publisher = messaging.NopPublisher{}
		return nil
	}
	client, err := redis.NewClient(ctx, r.Config.Redis.ToBrokerConfig())
	if err != nil {
		return fmt.Errorf("failed to open event broker: %w", err)
	}
	broker := redis.NewRedisBroker(client, r.Logger)
	r.addCloser("broker", broker.Close)
	r.Publisher = messaging.NewChannelPublisher(broker, r.Config.Events.Channel)
	return nil
}

// HealthChecks returns one readiness check per opened dependency.
func (r *Resources) HealthChecks() map[string]health.Check {
	checks := make(map[string]health.Check, len(r.checks))
	for name, check := range r.checks {
		checks[name] = check
	}
	return checks
}

// NewScorer builds the configured scorer. The http provider is wrapped in a
// circuit breaker.
func (r *Resources) NewScorer() scoring.Scorer {
	cfg := r.Config.Scoring
	if cfg.Provider != config.ScorerHTTP {
		return scoring.KeywordScorer{}
	}

	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:             "scorer",
		MaxRequests:      1,
		Timeout:          cfg.OpenTimeout,
		FailureThreshold: cfg.FailureThreshold,
		OnStateChange: func(name string, from, to string) {
			r.Logger.Warn("Circuit breaker state changed", "breaker", name, "from", from, "to", to)
		},
	})
	return scoring.NewHTTPScorer(cfg.ToHTTPConfig(), nil, breaker)
}

// NewSenders builds a sender for every channel.
func (r *Resources) NewSenders() delivery.Registry {
	cfg := r.Config
	return delivery.Registry{
		model.ChannelChat:    delivery.NewChatSender(cfg.Chat.ToSenderConfig(), nil),
		model.ChannelEmail:   delivery.NewEmailSender(cfg.Email.ToSenderConfig(), nil),
		model.ChannelWebhook: delivery.NewWebhookSender(cfg.Webhook.ToSenderConfig(), nil),
	}
}

func (r *Resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.fn(); err != nil {
			r.Logger.Error(err, "Failed to close resource", "resource", c.name)
		}
	}
	r.closers = nil
}

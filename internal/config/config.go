package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/notify-scheduler/internal/delivery"
	"github.com/jwalitptl/notify-scheduler/internal/queue"
	"github.com/jwalitptl/notify-scheduler/internal/queue/pgqueue"
	"github.com/jwalitptl/notify-scheduler/internal/ratelimit"
	"github.com/jwalitptl/notify-scheduler/internal/scoring"
	"github.com/jwalitptl/notify-scheduler/internal/worker"
	"github.com/jwalitptl/notify-scheduler/pkg/logger"
	"github.com/jwalitptl/notify-scheduler/pkg/messaging/redis"
	"github.com/jwalitptl/notify-scheduler/pkg/retry"
)

// EnvPrefix namespaces every environment override, e.g. NOTIFY_SERVER_PORT.
const EnvPrefix = "NOTIFY"

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"

	ScorerKeyword = "keyword"
	ScorerHTTP    = "http"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Email     EmailConfig     `mapstructure:"email"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Events    EventsConfig    `mapstructure:"events"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// GlobalRate and GlobalBurst size the per-IP token bucket in front of the API.
	GlobalRate  float64 `mapstructure:"global_rate"`
	GlobalBurst int     `mapstructure:"global_burst"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type QueueConfig struct {
	Backend       string        `mapstructure:"backend"`
	Prefix        string        `mapstructure:"prefix"`
	MaxClaims     int           `mapstructure:"max_claims"`
	KeepCompleted int           `mapstructure:"keep_completed"`
	KeepFailed    int           `mapstructure:"keep_failed"`
	Retention     time.Duration `mapstructure:"retention"`
}

type RateLimitConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Backend     string        `mapstructure:"backend"`
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

type WorkerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	LeaseDuration   time.Duration `mapstructure:"lease_duration"`
	StalledInterval time.Duration `mapstructure:"stalled_interval"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Embedded runs the dispatcher inside the API process. Required for the
	// memory queue backend.
	Embedded bool `mapstructure:"embedded"`
	// HealthPort serves /health and /metrics for the standalone worker.
	HealthPort int `mapstructure:"health_port"`
}

type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
}

type ScoringConfig struct {
	Provider string        `mapstructure:"provider"`
	URL      string        `mapstructure:"url"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// FailureThreshold opens the scorer's circuit after that many
	// consecutive failures.
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

type ChatConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	DefaultChannel string        `mapstructure:"default_channel"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type EmailConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	Subject  string        `mapstructure:"subject"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type WebhookConfig struct {
	SigningSecret string        `mapstructure:"signing_secret"`
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

type EventsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Channel string `mapstructure:"channel"`
}

// Secrets are only ever read from the environment.
type Secrets struct {
	ChatToken            string `envconfig:"CHAT_TOKEN"`
	SMTPPassword         string `envconfig:"SMTP_PASSWORD"`
	WebhookSigningSecret string `envconfig:"WEBHOOK_SIGNING_SECRET"`
	DatabasePassword     string `envconfig:"DATABASE_PASSWORD"`
	ScorerAPIKey         string `envconfig:"SCORER_API_KEY"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.global_rate", 50.0)
	v.SetDefault("server.global_burst", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "notify")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "notify")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("queue.backend", BackendRedis)
	v.SetDefault("queue.prefix", "{notify:queue}:")
	v.SetDefault("queue.max_claims", queue.DefaultMaxClaims)
	v.SetDefault("queue.keep_completed", queue.DefaultKeepCompleted)
	v.SetDefault("queue.keep_failed", queue.DefaultKeepFailed)
	v.SetDefault("queue.retention", queue.DefaultRetention)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.backend", BackendRedis)
	v.SetDefault("rate_limit.max_requests", ratelimit.DefaultMaxRequests)
	v.SetDefault("rate_limit.window", ratelimit.DefaultWindow)
	v.SetDefault("rate_limit.key_prefix", ratelimit.DefaultKeyPrefix)

	v.SetDefault("worker.concurrency", worker.DefaultConcurrency)
	v.SetDefault("worker.poll_interval", worker.DefaultPollInterval)
	v.SetDefault("worker.lease_duration", worker.DefaultLeaseDuration)
	v.SetDefault("worker.stalled_interval", worker.DefaultStalledInterval)
	v.SetDefault("worker.delivery_timeout", worker.DefaultDeliveryTimeout)
	v.SetDefault("worker.cleanup_interval", time.Hour)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)
	v.SetDefault("worker.embedded", false)
	v.SetDefault("worker.health_port", 8081)

	v.SetDefault("retry.max_attempts", retry.DefaultMaxAttempts)
	v.SetDefault("retry.initial_delay", retry.DefaultInitialDelay)
	v.SetDefault("retry.backoff_multiplier", retry.DefaultBackoffMultiplier)
	v.SetDefault("retry.max_delay", retry.DefaultMaxDelay)

	v.SetDefault("scoring.provider", ScorerKeyword)
	v.SetDefault("scoring.url", "")
	v.SetDefault("scoring.api_key", "")
	v.SetDefault("scoring.timeout", 5*time.Second)
	v.SetDefault("scoring.failure_threshold", 5)
	v.SetDefault("scoring.open_timeout", 30*time.Second)

	v.SetDefault("chat.base_url", delivery.DefaultChatBaseURL)
	v.SetDefault("chat.token", "")
	v.SetDefault("chat.default_channel", "#general")
	v.SetDefault("chat.timeout", 10*time.Second)

	v.SetDefault("email.host", "localhost")
	v.SetDefault("email.port", 587)
	v.SetDefault("email.username", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.from", "notifications@localhost")
	v.SetDefault("email.subject", delivery.DefaultEmailSubject)
	v.SetDefault("email.timeout", 10*time.Second)

	v.SetDefault("webhook.signing_secret", "")
	v.SetDefault("webhook.user_agent", "notify-scheduler/1.0")
	v.SetDefault("webhook.timeout", 10*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "notify")

	v.SetDefault("events.enabled", true)
	v.SetDefault("events.channel", "notify:events")
}

// LoadConfig reads config.yaml from the usual locations, applies NOTIFY_*
// environment overrides and secrets, and validates the result. A missing
// config file is not an error.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config", "/app/config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var secrets Secrets
	if err := envconfig.Process(EnvPrefix, &secrets); err != nil {
		return nil, fmt.Errorf("failed to read secrets: %w", err)
	}
	config.ApplySecrets(secrets)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplySecrets overlays every non-empty secret.
func (c *Config) ApplySecrets(s Secrets) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Chat.Token, s.ChatToken)
	set(&c.Email.Password, s.SMTPPassword)
	set(&c.Webhook.SigningSecret, s.WebhookSigningSecret)
	set(&c.Database.Password, s.DatabasePassword)
	set(&c.Scoring.APIKey, s.ScorerAPIKey)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	switch c.Queue.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("queue.backend must be memory, redis or postgres, got %q", c.Queue.Backend))
	}
	switch c.RateLimit.Backend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend must be memory or redis, got %q", c.RateLimit.Backend))
	}
	if c.RateLimit.MaxRequests <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.max_requests must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.window must be positive"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("worker.concurrency must be positive"))
	}
	if c.Queue.Backend == BackendMemory && !c.Worker.Embedded {
		errs = append(errs, fmt.Errorf("queue.backend memory requires worker.embedded"))
	}
	if c.Worker.LeaseDuration <= 0 {
		errs = append(errs, fmt.Errorf("worker.lease_duration must be positive"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be positive"))
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.backoff_multiplier must be at least 1"))
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		errs = append(errs, fmt.Errorf("retry.max_delay must not be below retry.initial_delay"))
	}
	switch c.Scoring.Provider {
	case ScorerKeyword:
	case ScorerHTTP:
		if c.Scoring.URL == "" {
			errs = append(errs, fmt.Errorf("scoring.url is required for the http provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("scoring.provider must be keyword or http, got %q", c.Scoring.Provider))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) ToLoggerConfig() *logger.Config {
	return &logger.Config{
		Level:   logger.ParseLevel(c.Log.Level),
		Console: c.Log.Console,
	}
}

func (c *RedisConfig) ToBrokerConfig() redis.Config {
	return redis.Config{
		URL:          c.URL,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
}

func (c *DatabaseConfig) ToDBConfig() pgqueue.DBConfig {
	return pgqueue.DBConfig{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		Name:            c.Name,
		SSLMode:         c.SSLMode,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

func (c *QueueConfig) ToQueueConfig() queue.Config {
	return queue.Config{
		MaxClaims:     c.MaxClaims,
		KeepCompleted: c.KeepCompleted,
		KeepFailed:    c.KeepFailed,
	}
}

func (c *RateLimitConfig) ToLimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		MaxRequests: c.MaxRequests,
		Window:      c.Window,
		KeyPrefix:   c.KeyPrefix,
	}
}

func (c *RetryConfig) ToRetryOptions() retry.Options {
	return retry.Options{
		MaxAttempts:       c.MaxAttempts,
		InitialDelay:      c.InitialDelay,
		BackoffMultiplier: c.BackoffMultiplier,
		MaxDelay:          c.MaxDelay,
	}
}

func (c *Config) ToWorkerConfig() worker.Config {
	return worker.Config{
		Concurrency:     c.Worker.Concurrency,
		PollInterval:    c.Worker.PollInterval,
		LeaseDuration:   c.Worker.LeaseDuration,
		StalledInterval: c.Worker.StalledInterval,
		DeliveryTimeout: c.Worker.DeliveryTimeout,
		Retry:           c.Retry.ToRetryOptions(),
	}
}

func (c *ScoringConfig) ToHTTPConfig() scoring.HTTPConfig {
	return scoring.HTTPConfig{
		URL:     c.URL,
		APIKey:  c.APIKey,
		Timeout: c.Timeout,
	}
}

func (c *ChatConfig) ToSenderConfig() delivery.ChatConfig {
	return delivery.ChatConfig{
		BaseURL:        c.BaseURL,
		Token:          c.Token,
		DefaultChannel: c.DefaultChannel,
		Timeout:        c.Timeout,
	}
}

func (c *EmailConfig) ToSenderConfig() delivery.EmailConfig {
	return delivery.EmailConfig{
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		From:     c.From,
		Subject:  c.Subject,
		Timeout:  c.Timeout,
	}
}

func (c *WebhookConfig) ToSenderConfig() delivery.WebhookConfig {
	return delivery.WebhookConfig{
		SigningSecret: c.SigningSecret,
		UserAgent:     c.UserAgent,
		Timeout:       c.Timeout,
	}
}

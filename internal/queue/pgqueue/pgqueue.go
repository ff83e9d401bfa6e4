// Package pgqueue stores notification jobs in PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so competing workers never lease the same row.
package pgqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/jwalitptl/notify-scheduler/internal/model"
	"github.com/jwalitptl/notify-scheduler/internal/queue"
)

type DBConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

func NewDB(cfg DBConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

const jobColumns = `
	id, seq, user_id, channel, message, metadata, score, priority, target,
	rank, state, ready_at, claims, attempts, progress, owner, lease_until,
	result, failed_reason, created_at, started_at, finished_at`

type jobRow struct {
	ID           string         `db:"id"`
	Seq          int64          `db:"seq"`
	UserID       string         `db:"user_id"`
	Channel      string         `db:"channel"`
	Message      string         `db:"message"`
	Metadata     []byte         `db:"metadata"`
	Score        int            `db:"score"`
	Priority     string         `db:"priority"`
	Target       string         `db:"target"`
	Rank         int            `db:"rank"`
	State        string         `db:"state"`
	ReadyAt      time.Time      `db:"ready_at"`
	Claims       int            `db:"claims"`
	Attempts     int            `db:"attempts"`
	Progress     int            `db:"progress"`
	Owner        sql.NullString `db:"owner"`
	LeaseUntil   sql.NullTime   `db:"lease_until"`
	Result       []byte         `db:"result"`
	FailedReason sql.NullString `db:"failed_reason"`
	CreatedAt    time.Time      `db:"created_at"`
	StartedAt    sql.NullTime   `db:"started_at"`
	FinishedAt   sql.NullTime   `db:"finished_at"`
}

func (r *jobRow) job() (*model.NotificationJob, error) {
	job := &model.NotificationJob{
		ID:        r.ID,
		UserID:    r.UserID,
		Channel:   model.Channel(r.Channel),
		Message:   r.Message,
		Score:     r.Score,
		Priority:  model.Priority(r.Priority),
		Target:    r.Target,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of job %s: %w", r.ID, err)
		}
	}
	return job, nil
}

func (r *jobRow) status(now time.Time, maxClaims int) (*model.JobStatus, error) {
	st := &model.JobStatus{
		ID:           r.ID,
		State:        model.JobState(r.State),
		Progress:     r.Progress,
		Attempts:     r.Attempts,
		Claims:       r.Claims,
		MaxClaims:    maxClaims,
		FailedReason: r.FailedReason.String,
		CreatedAt:    r.CreatedAt.UTC(),
		ReadyAt:      r.ReadyAt.UTC(),
		StartedAt:    nullTime(r.StartedAt),
		FinishedAt:   nullTime(r.FinishedAt),
	}
	if st.State == model.JobStateWaiting && r.ReadyAt.After(now) {
		st.State = model.JobStateDelayed
	}
	if len(r.Result) > 0 {
		var res model.JobResult
		if err := json.Unmarshal(r.Result, &res); err != nil {
			return nil, fmt.Errorf("failed to decode result of job %s: %w", r.ID, err)
		}
		st.Result = &res
	} else if st.State == model.JobStateFailed {
		st.Result = &model.JobResult{Error: st.FailedReason, Attempts: st.Attempts}
	}
	return st, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

type Queue struct {
	db  *sqlx.DB
	cfg queue.Config
}

var _ queue.Queue = (*Queue)(nil)

// New returns a queue on db. The schema must already be migrated. The queue
// closes db on Close.
func New(db *sqlx.DB, cfg queue.Config) *Queue {
	return &Queue{db: db, cfg: cfg.WithDefaults()}
}

// WithTx executes a function within a transaction
func (q *Queue) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (q *Queue) Add(ctx context.Context, payload model.JobPayload) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}

	now := q.cfg.Now()
	job := model.NewNotificationJob(uuid.NewString(), payload, now)
	plan := queue.Schedule(job.Score)

	var metadata interface{}
	if job.Metadata != nil {
		data, err := json.Marshal(job.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = string(data)
	}

	query := `
		INSERT INTO notification_jobs (
			id, user_id, channel, message, metadata, score, priority, target,
			rank, state, ready_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`
	_, err := q.db.ExecContext(ctx, query,
		job.ID,
		job.UserID,
		string(job.Channel),
		job.Message,
		metadata,
		job.Score,
		string(job.Priority),
		job.Target,
		plan.Rank,
		string(model.JobStateWaiting),
		now.Add(plan.Delay),
		job.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to add job: %w", err)
	}
	return job.ID, nil
}

func (q *Queue) load(ctx context.Context, id string) (*jobRow, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, queue.ErrJobNotFound
	}
	var row jobRow
	err := q.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM notification_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &row, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*model.NotificationJob, error) {
	row, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return row.job()
}

func (q *Queue) Status(ctx context.Context, id string) (*model.JobStatus, error) {
	row, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return row.status(q.cfg.Now(), q.cfg.MaxClaims)
}

func (q *Queue) Stats(ctx context.Context) (model.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE state = 'waiting' AND ready_at <= $1) AS waiting,
			COUNT(*) FILTER (WHERE state = 'waiting' AND ready_at > $1) AS delayed,
			COUNT(*) FILTER (WHERE state = 'active') AS active,
			COUNT(*) FILTER (WHERE state = 'completed') AS completed,
			COUNT(*) FILTER (WHERE state = 'failed') AS failed
		FROM notification_jobs
	`
	var stats model.QueueStats
	row := q.db.QueryRowxContext(ctx, query, q.cfg.Now())
	if err := row.Scan(&stats.Waiting, &stats.Delayed, &stats.Active, &stats.Completed, &stats.Failed); err != nil {
		return model.QueueStats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return stats, nil
}

func (q *Queue) Clean(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `
		DELETE FROM notification_jobs
		WHERE state IN ('completed', 'failed')
		AND finished_at < $1
	`
	result, err := q.db.ExecContext(ctx, query, q.cfg.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to clean jobs: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (q *Queue) Claim(ctx context.Context, owner string, lease time.Duration) (*queue.Lease, error) {
	now := q.cfg.Now()
	deadline := now.Add(lease)

	query := `
		UPDATE notification_jobs
		SET state = 'active', owner = $1, lease_until = $2, claims = claims + 1, started_at = $3
		WHERE id = (
			SELECT id FROM notification_jobs
			WHERE state = 'waiting' AND ready_at <= $3
			ORDER BY rank, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var row jobRow
	err := q.db.GetContext(ctx, &row, query, owner, deadline, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job, err := row.job()
	if err != nil {
		return nil, err
	}
	return &queue.Lease{Job: *job, Owner: owner, Claims: row.Claims, ExpiresAt: deadline}, nil
}

// owned runs an owner-guarded update and maps "no row" onto the right error.
func (q *Queue) owned(ctx context.Context, ex sqlx.ExecerContext, id, owner, set string, args ...interface{}) error {
	if _, err := uuid.Parse(id); err != nil {
		return queue.ErrJobNotFound
	}
	query := `UPDATE notification_jobs SET ` + set + ` WHERE id = $1 AND state = 'active' AND owner = $2`
	result, err := ex.ExecContext(ctx, query, append([]interface{}{id, owner}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := q.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM notification_jobs WHERE id = $1)`, id); err != nil {
		return fmt.Errorf("failed to check job: %w", err)
	}
	if !exists {
		return queue.ErrJobNotFound
	}
	return queue.ErrLeaseLost
}

func (q *Queue) Extend(ctx context.Context, id, owner string, lease time.Duration) error {
	return q.owned(ctx, q.db, id, owner, `lease_until = $3`, q.cfg.Now().Add(lease))
}

func (q *Queue) SetProgress(ctx context.Context, id, owner string, progress int) error {
	return q.owned(ctx, q.db, id, owner, `progress = $3`, queue.ClampProgress(progress))
}

func (q *Queue) Complete(ctx context.Context, id, owner string, result model.JobResult) error {
	return q.finish(ctx, id, owner, model.JobStateCompleted, result, q.cfg.KeepCompleted)
}

func (q *Queue) Fail(ctx context.Context, id, owner string, result model.JobResult) error {
	return q.finish(ctx, id, owner, model.JobStateFailed, result, q.cfg.KeepFailed)
}

func (q *Queue) finish(ctx context.Context, id, owner string, state model.JobState, result model.JobResult, keep int) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}
	var reason interface{}
	if state == model.JobStateFailed {
		reason = result.Error
	}

	return q.WithTx(ctx, func(tx *sqlx.Tx) error {
		set := `state = $3, result = $4, failed_reason = $5, attempts = $6, finished_at = $7,
			owner = NULL, lease_until = NULL`
		if state == model.JobStateCompleted {
			set += `, progress = 100`
		}
		if err := q.owned(ctx, tx, id, owner, set,
			string(state), string(data), reason, result.Attempts, q.cfg.Now()); err != nil {
			return err
		}
		return trim(ctx, tx, state, keep)
	})
}

// trim keeps the newest keep jobs in a terminal state.
func trim(ctx context.Context, tx *sqlx.Tx, state model.JobState, keep int) error {
	query := `
		DELETE FROM notification_jobs
		WHERE id IN (
			SELECT id FROM notification_jobs
			WHERE state = $1
			ORDER BY finished_at DESC, seq DESC
			OFFSET $2
		)
	`
	if _, err := tx.ExecContext(ctx, query, string(state), keep); err != nil {
		return fmt.Errorf("failed to apply retention: %w", err)
	}
	return nil
}

func (q *Queue) Release(ctx context.Context, id, owner string) error {
	return q.owned(ctx, q.db, id, owner,
		`state = 'waiting', owner = NULL, lease_until = NULL, claims = GREATEST(claims - 1, 0)`)
}

func (q *Queue) RecoverStalled(ctx context.Context) (queue.RecoverResult, error) {
	var res queue.RecoverResult
	err := q.WithTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			UPDATE notification_jobs
			SET state = CASE WHEN claims >= $2 THEN 'failed' ELSE 'waiting' END,
				failed_reason = CASE WHEN claims >= $2 THEN $3 ELSE failed_reason END,
				finished_at = CASE WHEN claims >= $2 THEN $1 ELSE finished_at END,
				owner = NULL,
				lease_until = NULL
			WHERE state = 'active' AND lease_until < $1
			RETURNING state
		`
		var states []string
		if err := tx.SelectContext(ctx, &states, query, q.cfg.Now(), q.cfg.MaxClaims, queue.StalledReason); err != nil {
			return fmt.Errorf("failed to recover stalled jobs: %w", err)
		}
		for _, s := range states {
			if s == string(model.JobStateFailed) {
				res.Failed++
			} else {
				res.Requeued++
			}
		}
		if res.Failed > 0 {
			return trim(ctx, tx, model.JobStateFailed, q.cfg.KeepFailed)
		}
		return nil
	})
	return res, err
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

func (q *Queue) Close() error {
	return q.db.Close()
}

package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mercadofree/mercadofree-backend/pkg/logger"
)

const (
	OutboxRetentionJobName = "outbox-retention"

	defaultOutboxRetention = 30 * 24 * time.Hour
	defaultDLQRetention    = 90 * 24 * time.Hour
	defaultPruneChunk      = 1000
	// maxPruneChunks bounds one run so the cycle lock is not outlived; the
	// rest is picked up on the next tick.
	maxPruneChunks = 50
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type publishedPruner interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) (int64, error)
}

type dlqPruner interface {
	DeleteFailedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository publishedPruner
	// DLQ is optional; without it parked events are kept forever.
	DLQ              dlqPruner
	RetentionDays    int
	DLQRetentionDays int
	Chunk            int
}

// NewOutboxRetentionJob prunes published order events, and parked DLQ rows once
// they are too old to replay.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.DB == nil {
		return nil, errors.New("db runner required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository required")
	}
	job := &outboxRetentionJob{
		logg:         params.Logger,
		db:           params.DB,
		outbox:       params.Repository,
		dlq:          params.DLQ,
		retention:    days(params.RetentionDays, defaultOutboxRetention),
		dlqRetention: days(params.DLQRetentionDays, defaultDLQRetention),
		chunk:        params.Chunk,
		now:          time.Now,
	}
	if job.chunk <= 0 {
		job.chunk = defaultPruneChunk
	}
	if job.dlqRetention < job.retention {
		return nil, fmt.Errorf("dlq retention %s is shorter than outbox retention %s", job.dlqRetention, job.retention)
	}
	return job, nil
}

func days(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * 24 * time.Hour
}

type outboxRetentionJob struct {
	logg         *logger.Logger
	db           txRunner
	outbox       publishedPruner
	dlq          dlqPruner
	retention    time.Duration
	dlqRetention time.Duration
	chunk        int
	now          func() time.Time
}

func (j *outboxRetentionJob) Name() string { return OutboxRetentionJobName }

// Run deletes in chunks of j.chunk rows, one transaction each, and reports the
// total across the outbox and the DLQ.
func (j *outboxRetentionJob) Run(ctx context.Context) (int64, error) {
	now := j.now().UTC()
	cutoff := now.Add(-j.retention)

	var published int64
	chunks, limited := 0, true
	for chunks < maxPruneChunks {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		var rows int64
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			rows, err = j.outbox.DeletePublishedBefore(ctx, tx, cutoff, j.chunk)
			return err
		})
		if err != nil {
			return published, fmt.Errorf("prune published outbox rows: %w", err)
		}
		chunks++
		published += rows
		if rows < int64(j.chunk) {
			limited = false
			break
		}
	}

	var parked int64
	dlqCutoff := now.Add(-j.dlqRetention)
	if j.dlq != nil {
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			parked, err = j.dlq.DeleteFailedBefore(ctx, tx, dlqCutoff)
			return err
		})
		if err != nil {
			return published, fmt.Errorf("prune outbox dlq: %w", err)
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":        cutoff,
		"dlq_cutoff":    dlqCutoff,
		"rows_deleted":  published,
		"dlq_deleted":   parked,
		"chunks":        chunks,
		"chunk_limited": limited,
	})
	if published+parked > 0 {
		j.logg.Info(logCtx, "outbox retention cleanup complete")
	} else {
		j.logg.Debug(logCtx, "outbox retention found nothing to prune")
	}
	return published + parked, nil
}

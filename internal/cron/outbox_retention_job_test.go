package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymart-backend/pkg/logger"
)

func TestOutboxRetentionJobDeletesInBatches(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	repo := &fakeOutboxRetentionRepo{remaining: 7}
	job := newOutboxRetentionJob(t, repo, 3)
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, now.Add(-outboxRetentionDays*24*time.Hour), repo.lastCutoff)
	// 3 + 3 + 1: the short batch ends the run.
	require.Equal(t, []int{3, 3, 3}, repo.limits)
	require.Zero(t, repo.remaining)
	require.Equal(t, outboxRetentionInterval, job.Interval())
}

func TestOutboxRetentionJobStopsOnEmptyBatch(t *testing.T) {
	repo := &fakeOutboxRetentionRepo{}
	job := newOutboxRetentionJob(t, repo, 0)

	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, []int{outboxRetentionBatch}, repo.limits)
}

func TestOutboxRetentionJobPropagatesError(t *testing.T) {
	repo := &fakeOutboxRetentionRepo{err: errors.New("boom")}
	job := newOutboxRetentionJob(t, repo, 0)

	require.ErrorContains(t, job.Run(context.Background()), "boom")
}

func TestOutboxRetentionJobRequiresDeps(t *testing.T) {
	_, err := NewOutboxRetentionJob(OutboxRetentionJobParams{Logger: logger.Discard(), DB: passthroughTx{}})
	require.Error(t, err)
}

func newOutboxRetentionJob(t *testing.T, repo *fakeOutboxRetentionRepo, batch int) *outboxRetentionJob {
	t.Helper()
	job, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     logger.Discard(),
		DB:         passthroughTx{},
		Repository: repo,
		BatchSize:  batch,
	})
	require.NoError(t, err)
	return job.(*outboxRetentionJob)
}

type fakeOutboxRetentionRepo struct {
	remaining  int64
	lastCutoff time.Time
	limits     []int
	err        error
}

func (f *fakeOutboxRetentionRepo) DeleteSettledBefore(_ context.Context, _ *gorm.DB, cutoff time.Time, limit int) (int64, error) {
	f.limits = append(f.limits, limit)
	f.lastCutoff = cutoff
	if f.err != nil {
		return 0, f.err
	}
	n := min(f.remaining, int64(limit))
	f.remaining -= n
	return n, nil
}

type passthroughTx struct{}

func (passthroughTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

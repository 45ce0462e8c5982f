package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercadofree/mercadofree-backend/internal/orders"
	"github.com/mercadofree/mercadofree-backend/pkg/logger"
)

type fakeExpirer struct {
	calls  int
	lastAt time.Time
	result orders.ExpiryResult
	err    error
}

func (f *fakeExpirer) ExpirePending(_ context.Context, now time.Time) (orders.ExpiryResult, error) {
	f.calls++
	f.lastAt = now
	return f.result, f.err
}

func TestOrderExpiryJobSweepsWithUTCNow(t *testing.T) {
	local := time.FixedZone("BRT", -3*60*60)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, local)
	expirer := &fakeExpirer{result: orders.ExpiryResult{
		Scanned:   2,
		Cancelled: 1,
		Skipped:   1,
		Expired:   []orders.ExpiredOrder{{ID: uuid.New()}},
	}}

	job, err := NewOrderExpiryJob(OrderExpiryJobParams{
		Logger:  logger.Nop(),
		Orders:  expirer,
		NowFunc: func() time.Time { return now },
	})
	require.NoError(t, err)
	assert.Equal(t, OrderExpiryJobName, job.Name())

	cancelled, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, cancelled)
	assert.Equal(t, 1, expirer.calls)
	assert.Equal(t, time.UTC, expirer.lastAt.Location())
	assert.True(t, expirer.lastAt.Equal(now))
}

func TestOrderExpiryJobWrapsSweepError(t *testing.T) {
	boom := errors.New("db unavailable")
	job, err := NewOrderExpiryJob(OrderExpiryJobParams{
		Logger: logger.Nop(),
		Orders: &fakeExpirer{err: boom},
	})
	require.NoError(t, err)

	_, err = job.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestNewOrderExpiryJobValidatesParams(t *testing.T) {
	_, err := NewOrderExpiryJob(OrderExpiryJobParams{Orders: &fakeExpirer{}})
	assert.Error(t, err)
	_, err = NewOrderExpiryJob(OrderExpiryJobParams{Logger: logger.Nop()})
	assert.Error(t, err)
}

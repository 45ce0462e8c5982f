package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/mercadofree/mercadofree-backend/internal/orders"
	"github.com/mercadofree/mercadofree-backend/pkg/logger"
)

const OrderExpiryJobName = "order-expiry"

type pendingOrderExpirer interface {
	ExpirePending(ctx context.Context, now time.Time) (orders.ExpiryResult, error)
}

// OrderExpiryJobParams configure the reservation reaper.
type OrderExpiryJobParams struct {
	Logger  *logger.Logger
	Orders  pendingOrderExpirer
	NowFunc func() time.Time
}

// NewOrderExpiryJob builds the job that cancels pending orders whose
// reservation window has passed and returns their stock.
func NewOrderExpiryJob(params OrderExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders service required")
	}
	now := params.NowFunc
	if now == nil {
		now = time.Now
	}
	return &orderExpiryJob{logg: params.Logger, orders: params.Orders, now: now}, nil
}

type orderExpiryJob struct {
	logg   *logger.Logger
	orders pendingOrderExpirer
	now    func() time.Time
}

func (j *orderExpiryJob) Name() string { return OrderExpiryJobName }

// Run sweeps once. Orders that failed are reported in the error and picked up
// again on the next cycle since they stay pending.
func (j *orderExpiryJob) Run(ctx context.Context) (int64, error) {
	result, err := j.orders.ExpirePending(ctx, j.now().UTC())
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"scanned":   result.Scanned,
		"cancelled": result.Cancelled,
		"skipped":   result.Skipped,
	})
	if err != nil {
		return int64(result.Cancelled), fmt.Errorf("expire pending orders: %w", err)
	}
	if result.Cancelled > 0 {
		j.logg.Info(logCtx, "order expiry sweep complete")
	} else {
		j.logg.Debug(logCtx, "order expiry sweep complete")
	}
	return int64(result.Cancelled), nil
}

package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/mercadofree/mercadofree-backend/internal/analytics/types"
	"github.com/mercadofree/mercadofree-backend/pkg/enums"
	"github.com/mercadofree/mercadofree-backend/pkg/logger"
	"github.com/mercadofree/mercadofree-backend/pkg/outbox/registry"
)

var ErrUnsupportedEventType = errors.New("unsupported analytics event type")

// Writer delivers BigQuery rows produced by the router.
type Writer interface {
	InsertOrderEvent(ctx context.Context, row types.OrderEventRow) error
}

type rowBuilder func(envelope types.Envelope, payload any) (types.OrderEventRow, error)

// Router decodes order lifecycle envelopes and writes one analytics row per event.
type Router struct {
	writer   Writer
	decoders *registry.DecoderRegistry
	builders map[enums.OutboxEventType]rowBuilder
	logg     *logger.Logger
}

// NewRouter wires a row builder for every order lifecycle event.
func NewRouter(writer Writer, logg *logger.Logger) (*Router, error) {
	if writer == nil {
		return nil, errors.New("writer is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Router{
		writer:   writer,
		decoders: registry.NewOrderDecoders(),
		builders: map[enums.OutboxEventType]rowBuilder{
			enums.EventOrderCreated:       buildOrderCreatedRow,
			enums.EventOrderStatusChanged: buildStatusChangedRow,
			enums.EventOrderExpired:       buildOrderExpiredRow,
			enums.EventPaymentProcessed:   buildPaymentProcessedRow,
		},
		logg: logg,
	}, nil
}

// Handle decodes the envelope payload and inserts the resulting row. Decoding
// failures are wrapped as non-retryable since redelivery cannot fix them.
func (r *Router) Handle(ctx context.Context, envelope types.Envelope) error {
	build, ok := r.builders[envelope.EventType]
	if !ok {
		return registry.NewNonRetryableError(fmt.Errorf("%w: %s", ErrUnsupportedEventType, envelope.EventType))
	}
	if len(envelope.Payload) == 0 {
		return registry.NewNonRetryableError(fmt.Errorf("empty payload for %s", envelope.EventType))
	}
	version := envelope.Version
	if version == 0 {
		version = 1
	}
	payload, err := r.decoders.Decode(envelope.EventType, version, envelope.Payload)
	if err != nil {
		return registry.NewNonRetryableError(fmt.Errorf("decode %s payload: %w", envelope.EventType, err))
	}
	row, err := build(envelope, payload)
	if err != nil {
		return registry.NewNonRetryableError(err)
	}

	logCtx := r.logg.WithFields(ctx, map[string]any{
		"event_type":   envelope.EventType,
		"aggregate_id": envelope.AggregateID,
	})
	if err := r.writer.InsertOrderEvent(logCtx, row); err != nil {
		r.logg.Error(logCtx, "failed to insert order event row", err)
		return err
	}
	r.logg.Debug(logCtx, "order event row inserted")
	return nil
}

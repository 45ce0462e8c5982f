package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/mercadofree/mercadofree-backend/internal/analytics/types"
	"github.com/mercadofree/mercadofree-backend/pkg/enums"
	"github.com/mercadofree/mercadofree-backend/pkg/kafka"
	"github.com/mercadofree/mercadofree-backend/pkg/logger"
	"github.com/mercadofree/mercadofree-backend/pkg/outbox"
	"github.com/mercadofree/mercadofree-backend/pkg/outbox/idempotency"
	"github.com/mercadofree/mercadofree-backend/pkg/outbox/registry"
)

const analyticsConsumerName = "analytics"

// Handler defines how to process analytics envelopes.
type Handler interface {
	Handle(ctx context.Context, envelope types.Envelope) error
}

// HandlerFunc adapts functions to the Handler interface.
type HandlerFunc func(ctx context.Context, envelope types.Envelope) error

// Handle calls the underlying function.
func (fn HandlerFunc) Handle(ctx context.Context, envelope types.Envelope) error {
	if fn == nil {
		return nil
	}
	return fn(ctx, envelope)
}

type onceRunner interface {
	Run(ctx context.Context, consumer string, eventID uuid.UUID, fn func(context.Context) error) (bool, error)
}

type messageSource interface {
	Start(ctx context.Context, h kafka.Handler) error
}

// Service consumes order events from Kafka while honoring Redis idempotency.
type Service struct {
	source  messageSource
	handler Handler
	once    onceRunner
	logg    *logger.Logger
}

// NewService creates a new analytics worker service.
func NewService(source messageSource, handler Handler, once onceRunner, logg *logger.Logger) (*Service, error) {
	if source == nil {
		return nil, errors.New("analytics consumer is required")
	}
	if handler == nil {
		return nil, errors.New("analytics handler is required")
	}
	if once == nil {
		return nil, errors.New("idempotency manager is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{source: source, handler: handler, once: once, logg: logg}, nil
}

// Run consumes until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	return s.source.Start(ctx, s.process)
}

// process returns nil when the offset may be committed. Malformed and
// non-retryable messages are logged and committed so they do not block the
// partition; everything else is retried.
func (s *Service) process(ctx context.Context, msg kafkago.Message) error {
	fields := map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	}
	logCtx := s.logg.WithFields(ctx, fields)

	envelope, err := buildEnvelope(msg)
	if err != nil {
		fields["error"] = err.Error()
		s.logg.Warn(s.logg.WithFields(ctx, fields), "invalid analytics envelope")
		return nil
	}
	fields["event_id"] = envelope.EventID
	fields["event_type"] = envelope.EventType
	fields["aggregate_type"] = envelope.AggregateType
	fields["aggregate_id"] = envelope.AggregateID
	fields["occurred_at"] = envelope.OccurredAt.Format(time.RFC3339Nano)
	logCtx = s.logg.WithFields(ctx, fields)

	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		s.logg.Warn(logCtx, "invalid event id")
		return nil
	}

	duplicate, err := s.once.Run(logCtx, analyticsConsumerName, eventID, func(runCtx context.Context) error {
		return s.handler.Handle(runCtx, *envelope)
	})
	if errors.Is(err, idempotency.ErrInFlight) {
		s.logg.Info(logCtx, "event leased by another consumer, retrying later")
		return err
	}
	if err != nil {
		var nonRetryable registry.NonRetryableError
		if errors.As(err, &nonRetryable) {
			s.logg.Warn(s.logg.WithField(logCtx, "error", err.Error()), "dropping analytics event")
			return nil
		}
		s.logg.Error(logCtx, "handler error", err)
		return err
	}
	if duplicate {
		s.logg.Info(logCtx, "event already processed")
		return nil
	}
	s.logg.Info(logCtx, "analytics event handled")
	return nil
}

func buildEnvelope(msg kafkago.Message) (*types.Envelope, error) {
	stored, err := outbox.DecodeEnvelope(msg.Value)
	if err != nil {
		return nil, err
	}

	eventType, err := enums.ParseOutboxEventType(header(msg, "event_type"))
	if err != nil {
		return nil, fmt.Errorf("event_type: %w", err)
	}
	aggregateType, err := enums.ParseOutboxAggregateType(header(msg, "aggregate_type"))
	if err != nil {
		return nil, fmt.Errorf("aggregate_type: %w", err)
	}
	aggregateID := header(msg, "aggregate_id")
	if aggregateID == "" {
		aggregateID = strings.TrimSpace(string(msg.Key))
	}
	if aggregateID == "" {
		return nil, errors.New("aggregate_id missing")
	}

	occurredAt := stored.OccurredAt
	if occurredAt.IsZero() {
		if created := header(msg, "created_at"); created != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, created); err == nil {
				occurredAt = parsed
			}
		}
	}
	if occurredAt.IsZero() {
		occurredAt = msg.Time
	}

	eventID := strings.TrimSpace(stored.EventID)
	if eventID == "" {
		eventID = header(msg, "event_id")
	}
	if eventID == "" {
		return nil, errors.New("event_id missing")
	}

	version := stored.Version
	if version == 0 {
		if v, err := strconv.Atoi(header(msg, "version")); err == nil {
			version = v
		}
	}

	return &types.Envelope{
		EventID:       eventID,
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Version:       version,
		OccurredAt:    occurredAt.UTC(),
		Actor:         stored.Actor,
		Payload:       stored.Data,
	}, nil
}

func header(msg kafkago.Message, key string) string {
	return strings.TrimSpace(kafka.Header(msg, key))
}

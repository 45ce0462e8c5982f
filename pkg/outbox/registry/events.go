package registry

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mercadofree/mercadofree-backend/pkg/db/models"
	"github.com/mercadofree/mercadofree-backend/pkg/enums"
	"github.com/mercadofree/mercadofree-backend/pkg/outbox"
)

// EventDescriptor routes one event type.
type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
}

// ResolvedEvent is an outbox row that is safe to publish.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
	// PartitionKey is the order id, so every event of an order shares a
	// partition and keeps its relative order, payment events included.
	PartitionKey string
}

// orderScoped is implemented by every order lifecycle payload.
type orderScoped interface {
	Subject() uuid.UUID
	OrderRef() uuid.UUID
}

// NonRetryableError marks a row that will fail the same way on every attempt.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

// EventRegistry checks outbox rows against the order event catalogue before
// they are published.
type EventRegistry struct {
	entries  map[enums.OutboxEventType]EventDescriptor
	decoders *DecoderRegistry
}

// Option adjusts an EventRegistry.
type Option func(*EventRegistry)

// WithTopic sends eventType to topic instead of the orders topic.
func WithTopic(eventType enums.OutboxEventType, topic string) Option {
	return func(r *EventRegistry) {
		if desc, ok := r.entries[eventType]; ok && topic != "" {
			desc.Topic = topic
			r.entries[eventType] = desc
		}
	}
}

// WithDecoders replaces the v1 order decoders, e.g. once a v2 payload ships.
func WithDecoders(decoders *DecoderRegistry) Option {
	return func(r *EventRegistry) {
		if decoders != nil {
			r.decoders = decoders
		}
	}
}

// NewEventRegistry routes every order lifecycle event to ordersTopic, a Kafka
// topic or a Pub/Sub topic id depending on the transport.
func NewEventRegistry(ordersTopic string, opts ...Option) (*EventRegistry, error) {
	if ordersTopic == "" {
		return nil, errors.New("orders topic is required")
	}
	reg := &EventRegistry{
		entries:  make(map[enums.OutboxEventType]EventDescriptor),
		decoders: NewOrderDecoders(),
	}
	for _, eventType := range enums.OutboxEventTypes() {
		aggregate := enums.AggregateOrder
		if eventType == enums.EventPaymentProcessed {
			aggregate = enums.AggregatePayment
		}
		reg.entries[eventType] = EventDescriptor{EventType: eventType, AggregateType: aggregate, Topic: ordersTopic}
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg, nil
}

// Descriptor returns the routing for eventType.
func (r *EventRegistry) Descriptor(eventType enums.OutboxEventType) (EventDescriptor, bool) {
	desc, ok := r.entries[eventType]
	return desc, ok
}

// Resolve decodes the envelope and payload of a row and checks that the
// payload describes the aggregate the row was filed under. Every failure is
// non-retryable.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("unsupported event type %s", event.EventType))
	}
	if desc.AggregateType != event.AggregateType {
		return nil, NewNonRetryableError(fmt.Errorf("%s belongs to %s aggregates, row has %s", event.EventType, desc.AggregateType, event.AggregateType))
	}
	if event.AggregateID == uuid.Nil {
		return nil, NewNonRetryableError(errors.New("missing aggregate_id"))
	}

	envelope, err := outbox.DecodeEnvelope(event.Payload)
	if err != nil {
		return nil, NewNonRetryableError(err)
	}
	payload, err := r.decoders.Decode(event.EventType, envelope.Version, envelope.Data)
	if err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s payload: %w", event.EventType, err))
	}

	key := event.AggregateID
	if scoped, ok := payload.(orderScoped); ok {
		if subject := scoped.Subject(); subject != event.AggregateID {
			return nil, NewNonRetryableError(fmt.Errorf("payload subject %s does not match aggregate %s", subject, event.AggregateID))
		}
		if ref := scoped.OrderRef(); ref != uuid.Nil {
			key = ref
		}
	}

	return &ResolvedEvent{
		Descriptor:   desc,
		Envelope:     envelope,
		Payload:      payload,
		PartitionKey: key.String(),
	}, nil
}

package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mercadofree/mercadofree-backend/pkg/enums"
	"github.com/mercadofree/mercadofree-backend/pkg/outbox/payloads"
)

// ErrDecoderNotRegistered is returned for an event type and version pair no
// decoder was registered for.
var ErrDecoderNotRegistered = errors.New("decoder not registered")

// Decoder turns the data field of an envelope into a typed order event.
type Decoder func(payload json.RawMessage) (any, error)

type decoderKey struct {
	eventType enums.OutboxEventType
	version   int
}

// DecoderRegistry holds versioned payload decoders for the order lifecycle
// events. Consumers that only see the envelope and its event_type header use it
// to rebuild the payload the publisher stored.
type DecoderRegistry struct {
	mu       sync.RWMutex
	decoders map[decoderKey]Decoder
}

// NewDecoderRegistry builds an empty registry.
func NewDecoderRegistry() *DecoderRegistry {
	return &DecoderRegistry{decoders: make(map[decoderKey]Decoder)}
}

// NewOrderDecoders registers the v1 decoder of every order lifecycle event.
func NewOrderDecoders() *DecoderRegistry {
	reg := NewDecoderRegistry()
	for eventType, decoder := range map[enums.OutboxEventType]Decoder{
		enums.EventOrderCreated:       decodeInto[payloads.OrderCreatedEvent],
		enums.EventOrderStatusChanged: decodeInto[payloads.OrderStatusChangedEvent],
		enums.EventOrderExpired:       decodeInto[payloads.OrderExpiredEvent],
		enums.EventPaymentProcessed:   decodeInto[payloads.PaymentProcessedEvent],
	} {
		if err := reg.Register(eventType, 1, decoder); err != nil {
			panic(err)
		}
	}
	return reg
}

// Register adds a decoder. Only known event types are accepted and a pair can
// be registered once.
func (r *DecoderRegistry) Register(eventType enums.OutboxEventType, version int, decoder Decoder) error {
	if !eventType.IsValid() {
		return fmt.Errorf("unknown event type %q", eventType)
	}
	if version < 1 {
		return fmt.Errorf("version must be positive, got %d", version)
	}
	if decoder == nil {
		return fmt.Errorf("decoder for %s@v%d is nil", eventType, version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := decoderKey{eventType: eventType, version: version}
	if _, exists := r.decoders[key]; exists {
		return fmt.Errorf("decoder for %s@v%d already registered", eventType, version)
	}
	r.decoders[key] = decoder
	return nil
}

// Decode runs the decoder for the pair. Version 0 means v1, the version every
// envelope carried before versioning was recorded.
func (r *DecoderRegistry) Decode(eventType enums.OutboxEventType, version int, payload json.RawMessage) (any, error) {
	if version == 0 {
		version = 1
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("empty payload for %s@v%d", eventType, version)
	}

	r.mu.RLock()
	decoder, ok := r.decoders[decoderKey{eventType: eventType, version: version}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s@v%d", ErrDecoderNotRegistered, eventType, version)
	}
	return decoder(trimmed)
}

func decodeInto[T any](payload json.RawMessage) (any, error) {
	var out T
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

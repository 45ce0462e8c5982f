// Package idempotency keeps order event consumers from applying the same
// outbox event twice when Kafka redelivers it.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mercadofree/mercadofree-backend/pkg/redis"
)

const (
	stateProcessing = "processing"
	stateDone       = "done"

	defaultLease = 2 * time.Minute
	keyScope     = "order-events"
)

// ErrInFlight means another consumer holds the lease on the event. The message
// should be redelivered rather than committed.
var ErrInFlight = errors.New("event is being processed by another consumer")

// State of an event for one consumer.
type State int

const (
	StateNew State = iota
	StateProcessing
	StateDone
)

// Manager marks events per consumer in Redis. A consumer first takes a short
// lease ("processing"), and only a successful handler turns it into a "done"
// mark kept for the configured TTL. A crashed handler frees the event once its
// lease expires. Keys follow mf:idempotency:order-events:<consumer>:<event_id>.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
	lease time.Duration
}

// Option tunes a Manager.
type Option func(*Manager)

// WithLease sets how long a consumer may hold an event before another one can
// take it over.
func WithLease(lease time.Duration) Option {
	return func(m *Manager) {
		if lease > 0 {
			m.lease = lease
		}
	}
}

// NewManager builds a guard that remembers handled events for ttl.
func NewManager(store redis.IdempotencyStore, ttl time.Duration, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	m := &Manager{store: store, ttl: ttl, lease: defaultLease}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Run executes fn at most once per event and consumer. Duplicates of a
// finished event return (true, nil) without calling fn; an event leased by
// someone else returns ErrInFlight. A failing fn drops the lease so a
// redelivery can try again.
func (m *Manager) Run(ctx context.Context, consumer string, eventID uuid.UUID, fn func(context.Context) error) (bool, error) {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return false, err
	}
	leased, err := m.store.SetNX(ctx, key, stateProcessing, m.lease)
	if err != nil {
		return false, fmt.Errorf("lease %s: %w", eventID, err)
	}
	if !leased {
		state, err := m.state(ctx, key)
		if err != nil {
			return false, err
		}
		switch state {
		case StateDone:
			return true, nil
		case StateProcessing:
			return false, ErrInFlight
		}
		// lease expired between SetNX and Get; let the redelivery take it
		return false, ErrInFlight
	}

	if err := fn(ctx); err != nil {
		if delErr := m.store.Del(context.WithoutCancel(ctx), key); delErr != nil {
			return false, errors.Join(err, fmt.Errorf("release idempotency lease: %w", delErr))
		}
		return false, err
	}
	if err := m.store.Set(context.WithoutCancel(ctx), key, stateDone, m.ttl); err != nil {
		return false, fmt.Errorf("mark %s done: %w", eventID, err)
	}
	return false, nil
}

// Status reports where an event stands for consumer.
func (m *Manager) Status(ctx context.Context, consumer string, eventID uuid.UUID) (State, error) {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return StateNew, err
	}
	return m.state(ctx, key)
}

// Forget drops the mark so the event is handled again on its next delivery.
func (m *Manager) Forget(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

func (m *Manager) state(ctx context.Context, key string) (State, error) {
	value, err := m.store.Get(ctx, key)
	if err != nil {
		if redis.IsNil(err) {
			return StateNew, nil
		}
		return StateNew, fmt.Errorf("read idempotency mark: %w", err)
	}
	switch value {
	case stateDone:
		return StateDone, nil
	case stateProcessing:
		return StateProcessing, nil
	}
	return StateNew, nil
}

func (m *Manager) key(consumer string, eventID uuid.UUID) (string, error) {
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if eventID == uuid.Nil {
		return "", errors.New("event id is required")
	}
	return m.store.IdempotencyKey(keyScope+":"+consumer, eventID.String()), nil
}

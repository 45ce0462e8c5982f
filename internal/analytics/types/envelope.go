package types

import (
	"encoding/json"
	"time"

	"github.com/mercadofree/mercadofree-backend/pkg/enums"
	"github.com/mercadofree/mercadofree-backend/pkg/outbox"
)

// Envelope is an order lifecycle event as read off the orders topic.
type Envelope struct {
	EventID       string
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   string
	Version       int
	OccurredAt    time.Time
	Actor         *outbox.ActorRef
	Payload       json.RawMessage
}

// ActorRole returns the role that produced the event, or "" when unknown.
func (e Envelope) ActorRole() string {
	if e.Actor == nil {
		return ""
	}
	return e.Actor.Role
}

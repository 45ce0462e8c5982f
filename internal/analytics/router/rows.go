package router

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mercadofree/mercadofree-backend/internal/analytics/types"
	analyticswriter "github.com/mercadofree/mercadofree-backend/internal/analytics/writer"
	"github.com/mercadofree/mercadofree-backend/pkg/enums"
	"github.com/mercadofree/mercadofree-backend/pkg/outbox/payloads"
)

func baseRow(envelope types.Envelope, payload any) (types.OrderEventRow, error) {
	payloadJSON, err := analyticswriter.EncodeJSON(payload)
	if err != nil {
		return types.OrderEventRow{}, fmt.Errorf("encode payload json: %w", err)
	}
	return types.OrderEventRow{
		EventID:    envelope.EventID,
		EventType:  string(envelope.EventType),
		OccurredAt: envelope.OccurredAt.UTC(),
		ActorRole:  stringPtr(envelope.ActorRole()),
		Payload:    payloadJSON,
	}, nil
}

func buildOrderCreatedRow(envelope types.Envelope, payload any) (types.OrderEventRow, error) {
	event, ok := payload.(*payloads.OrderCreatedEvent)
	if !ok {
		return types.OrderEventRow{}, fmt.Errorf("invalid payload for %s", envelope.EventType)
	}
	row, err := baseRow(envelope, event)
	if err != nil {
		return row, err
	}
	itemsJSON, err := analyticswriter.EncodeJSON(event.Items)
	if err != nil {
		return types.OrderEventRow{}, fmt.Errorf("encode items json: %w", err)
	}
	var units int64
	for _, item := range event.Items {
		units += int64(item.Quantity)
	}
	row.OrderID = uuidPtr(event.OrderID)
	row.UserID = uuidPtr(event.UserID)
	row.ToStatus = stringPtr(string(enums.OrderStatusPending))
	row.PaymentMethod = stringPtr(string(event.PaymentMethod))
	row.Installments = int64Ptr(int64(event.Installments))
	row.Amount = ratPtr(event.TotalAmount)
	row.ItemCount = int64Ptr(units)
	row.Items = itemsJSON
	return row, nil
}

func buildStatusChangedRow(envelope types.Envelope, payload any) (types.OrderEventRow, error) {
	event, ok := payload.(*payloads.OrderStatusChangedEvent)
	if !ok {
		return types.OrderEventRow{}, fmt.Errorf("invalid payload for %s", envelope.EventType)
	}
	row, err := baseRow(envelope, event)
	if err != nil {
		return row, err
	}
	row.OrderID = uuidPtr(event.OrderID)
	row.UserID = uuidPtr(event.UserID)
	row.FromStatus = stringPtr(string(event.From))
	row.ToStatus = stringPtr(string(event.To))
	released := event.StockReleased
	row.StockReleased = &released
	return row, nil
}

func buildOrderExpiredRow(envelope types.Envelope, payload any) (types.OrderEventRow, error) {
	event, ok := payload.(*payloads.OrderExpiredEvent)
	if !ok {
		return types.OrderEventRow{}, fmt.Errorf("invalid payload for %s", envelope.EventType)
	}
	row, err := baseRow(envelope, event)
	if err != nil {
		return row, err
	}
	released := true
	row.OrderID = uuidPtr(event.OrderID)
	row.UserID = uuidPtr(event.UserID)
	row.FromStatus = stringPtr(string(enums.OrderStatusPending))
	row.ToStatus = stringPtr(string(enums.OrderStatusCancelled))
	row.StockReleased = &released
	return row, nil
}

func buildPaymentProcessedRow(envelope types.Envelope, payload any) (types.OrderEventRow, error) {
	event, ok := payload.(*payloads.PaymentProcessedEvent)
	if !ok {
		return types.OrderEventRow{}, fmt.Errorf("invalid payload for %s", envelope.EventType)
	}
	row, err := baseRow(envelope, event)
	if err != nil {
		return row, err
	}
	row.OrderID = uuidPtr(event.OrderID)
	row.PaymentID = uuidPtr(event.PaymentID)
	row.PaymentMethod = stringPtr(string(event.Method))
	row.PaymentStatus = stringPtr(string(event.Status))
	row.Amount = ratPtr(event.Amount)
	return row, nil
}

// stringPtr returns a trimmed pointer or nil when the input is empty.
func stringPtr(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func uuidPtr(id uuid.UUID) *string {
	if id == uuid.Nil {
		return nil
	}
	return stringPtr(id.String())
}

func int64Ptr(value int64) *int64 {
	return &value
}

// ratPtr converts money to the NUMERIC representation the BigQuery client expects.
func ratPtr(value decimal.Decimal) *big.Rat {
	return value.Rat()
}

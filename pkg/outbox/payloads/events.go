package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mercadofree/mercadofree-backend/pkg/enums"
)

// OrderLine is one reserved product line.
type OrderLine struct {
	ProductID uuid.UUID       `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// OrderCreatedEvent is emitted when checkout commits a pending order.
type OrderCreatedEvent struct {
	OrderID       uuid.UUID           `json:"order_id"`
	UserID        uuid.UUID           `json:"user_id"`
	TotalAmount   decimal.Decimal     `json:"total_amount"`
	PaymentMethod enums.PaymentMethod `json:"payment_method"`
	Installments  int                 `json:"installments"`
	ExpiresAt     time.Time           `json:"expires_at"`
	Items         []OrderLine         `json:"items"`
}

// OrderStatusChangedEvent is emitted for every committed status transition.
type OrderStatusChangedEvent struct {
	OrderID       uuid.UUID         `json:"order_id"`
	UserID        uuid.UUID         `json:"user_id"`
	From          enums.OrderStatus `json:"from"`
	To            enums.OrderStatus `json:"to"`
	Note          string            `json:"note,omitempty"`
	StockReleased bool              `json:"stock_released"`
	ManualRelease bool              `json:"manual_release"`
	ChangedAt     time.Time         `json:"changed_at"`
}

// OrderExpiredEvent is emitted when the reaper cancels an unpaid reservation.
type OrderExpiredEvent struct {
	OrderID   uuid.UUID `json:"order_id"`
	UserID    uuid.UUID `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiredAt time.Time `json:"expired_at"`
}

// PaymentProcessedEvent is emitted when a payment reaches a decision.
type PaymentProcessedEvent struct {
	PaymentID     uuid.UUID           `json:"payment_id"`
	OrderID       uuid.UUID           `json:"order_id"`
	Method        enums.PaymentMethod `json:"method"`
	Status        enums.PaymentStatus `json:"status"`
	Amount        decimal.Decimal     `json:"amount"`
	TransactionID string              `json:"transaction_id,omitempty"`
}

// Subject is the id the outbox row is filed under; OrderRef is the order the
// event belongs to and the broker partition key.

func (e OrderCreatedEvent) Subject() uuid.UUID  { return e.OrderID }
func (e OrderCreatedEvent) OrderRef() uuid.UUID { return e.OrderID }

func (e OrderStatusChangedEvent) Subject() uuid.UUID  { return e.OrderID }
func (e OrderStatusChangedEvent) OrderRef() uuid.UUID { return e.OrderID }

func (e OrderExpiredEvent) Subject() uuid.UUID  { return e.OrderID }
func (e OrderExpiredEvent) OrderRef() uuid.UUID { return e.OrderID }

func (e PaymentProcessedEvent) Subject() uuid.UUID  { return e.PaymentID }
func (e PaymentProcessedEvent) OrderRef() uuid.UUID { return e.OrderID }

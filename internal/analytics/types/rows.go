package types

import (
	"math/big"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
)

// OrderEventRow mirrors the order_events BigQuery schema. One row per event;
// columns that do not apply to an event type stay NULL.
type OrderEventRow struct {
	EventID       string             `bigquery:"event_id"`
	EventType     string             `bigquery:"event_type"`
	OccurredAt    time.Time          `bigquery:"occurred_at"`
	OrderID       *string            `bigquery:"order_id"`
	PaymentID     *string            `bigquery:"payment_id"`
	UserID        *string            `bigquery:"user_id"`
	ActorRole     *string            `bigquery:"actor_role"`
	FromStatus    *string            `bigquery:"from_status"`
	ToStatus      *string            `bigquery:"to_status"`
	PaymentMethod *string            `bigquery:"payment_method"`
	PaymentStatus *string            `bigquery:"payment_status"`
	Installments  *int64             `bigquery:"installments"`
	Amount        *big.Rat           `bigquery:"amount"`
	ItemCount     *int64             `bigquery:"item_count"`
	StockReleased *bool              `bigquery:"stock_released"`
	Items         cbigquery.NullJSON `bigquery:"items"`
	Payload       cbigquery.NullJSON `bigquery:"payload"`
}

// InsertKey dedupes streaming retries on the outbox event id.
func (r *OrderEventRow) InsertKey() string {
	if r == nil {
		return ""
	}
	return r.EventID
}

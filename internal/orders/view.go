package orders

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mercadofree/mercadofree-backend/pkg/db/models"
	"github.com/mercadofree/mercadofree-backend/pkg/enums"
)

const recentHistoryLimit = 3

// ItemView is one line of an order as returned to clients.
type ItemView struct {
	ID          uuid.UUID       `json:"id"`
	ProductID   uuid.UUID       `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// HistoryEntry is one status change as returned to clients.
type HistoryEntry struct {
	ID          uuid.UUID         `json:"id"`
	Status      enums.OrderStatus `json:"status"`
	StatusLabel string            `json:"status_label"`
	ChangedBy   *uuid.UUID        `json:"changed_by"`
	Note        *string           `json:"note"`
	CreatedAt   time.Time         `json:"created_at"`
}

// OrderView is the client representation of an order.
type OrderView struct {
	ID                 uuid.UUID           `json:"id"`
	UserID             uuid.UUID           `json:"user_id"`
	Status             enums.OrderStatus   `json:"status"`
	StatusLabel        string              `json:"status_label"`
	PaymentMethod      enums.PaymentMethod `json:"payment_method"`
	Installments       int                 `json:"installments"`
	InstallmentValue   decimal.Decimal     `json:"installment_value"`
	InstallmentDisplay string              `json:"installment_display"`
	CouponID           *uuid.UUID          `json:"coupon_id"`
	DiscountAmount     decimal.Decimal     `json:"discount_amount"`
	TotalAmount        decimal.Decimal     `json:"total_amount"`
	PickupCode         string              `json:"pickup_code"`
	Notes              *string             `json:"notes"`
	Items              []ItemView          `json:"items"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	ExpiresAt          *time.Time          `json:"expires_at"`
	IsExpired          bool                `json:"is_expired"`
	TimeRemaining      *int64              `json:"time_remaining"`
	ManualRelease      bool                `json:"manual_release"`
	ReleaseReason      *string             `json:"release_reason"`
	ReleaseImage       *string             `json:"release_image"`
	ReleasedBy         *uuid.UUID          `json:"released_by"`
	ReleasedAt         *time.Time          `json:"released_at"`
	RecentHistory      []HistoryEntry      `json:"recent_history"`
}

// InstallmentValue is the total split evenly over the installments, rounded to cents.
func InstallmentValue(total decimal.Decimal, installments int) decimal.Decimal {
	if installments <= 1 {
		return total.Round(2)
	}
	return total.DivRound(decimal.NewFromInt(int64(installments)), 2)
}

// InstallmentDisplay renders the installment plan the way the storefront shows it.
func InstallmentDisplay(total decimal.Decimal, installments int) string {
	value := InstallmentValue(total, installments)
	if installments <= 1 {
		return fmt.Sprintf("À vista: R$ %s", value.StringFixed(2))
	}
	return fmt.Sprintf("%dx de R$ %s", installments, value.StringFixed(2))
}

// TimeRemaining is the whole seconds left on a pending reservation, nil otherwise.
func TimeRemaining(order *models.Order, now time.Time) *int64 {
	if order == nil || order.Status != enums.OrderStatusPending || order.ExpiresAt == nil {
		return nil
	}
	remaining := int64(order.ExpiresAt.Sub(now) / time.Second)
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

func newOrderView(order *models.Order, history []models.OrderStatusHistory, now time.Time) OrderView {
	view := OrderView{
		ID:                 order.ID,
		UserID:             order.UserID,
		Status:             order.Status,
		StatusLabel:        order.Status.Label(),
		PaymentMethod:      order.PaymentMethod,
		Installments:       order.Installments,
		InstallmentValue:   InstallmentValue(order.TotalAmount, order.Installments),
		InstallmentDisplay: InstallmentDisplay(order.TotalAmount, order.Installments),
		CouponID:           order.CouponID,
		DiscountAmount:     order.DiscountAmount,
		TotalAmount:        order.TotalAmount,
		PickupCode:         order.PickupCode,
		Notes:              order.Notes,
		Items:              make([]ItemView, 0, len(order.Items)),
		CreatedAt:          order.CreatedAt,
		UpdatedAt:          order.UpdatedAt,
		ExpiresAt:          order.ExpiresAt,
		IsExpired:          order.IsExpired(now),
		TimeRemaining:      TimeRemaining(order, now),
		ManualRelease:      order.ManualRelease,
		ReleaseReason:      order.ReleaseReason,
		ReleaseImage:       order.ReleaseImage,
		ReleasedBy:         order.ReleasedBy,
		ReleasedAt:         order.ReleasedAt,
		RecentHistory:      newHistoryEntries(history, recentHistoryLimit),
	}
	for _, item := range order.Items {
		name := ""
		if item.Product != nil {
			name = item.Product.Name
		}
		view.Items = append(view.Items, ItemView{
			ID:          item.ID,
			ProductID:   item.ProductID,
			ProductName: name,
			Quantity:    item.Quantity,
			Price:       item.Price,
			Subtotal:    item.Subtotal(),
		})
	}
	return view
}

func newHistoryEntries(history []models.OrderStatusHistory, limit int) []HistoryEntry {
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	entries := make([]HistoryEntry, 0, len(history))
	for _, h := range history {
		entries = append(entries, HistoryEntry{
			ID:          h.ID,
			Status:      h.Status,
			StatusLabel: h.Status.Label(),
			ChangedBy:   h.ChangedBy,
			Note:        h.Note,
			CreatedAt:   h.CreatedAt,
		})
	}
	return entries
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mercadofree/mercadofree-backend/pkg/enums"
)

// Order is a checkout: line items, totals, status and the reservation deadline.
type Order struct {
	ID             uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	UserID         uuid.UUID           `gorm:"column:user_id;type:uuid;not null"`
	Status         enums.OrderStatus   `gorm:"column:status;type:text;not null"`
	PaymentMethod  enums.PaymentMethod `gorm:"column:payment_method;type:text;not null"`
	Installments   int                 `gorm:"column:installments;not null"`
	CouponID       *uuid.UUID          `gorm:"column:coupon_id;type:uuid"`
	DiscountAmount decimal.Decimal     `gorm:"column:discount_amount;type:numeric(10,2);not null"`
	TotalAmount    decimal.Decimal     `gorm:"column:total_amount;type:numeric(10,2);not null"`
	PickupCode     string              `gorm:"column:pickup_code;type:varchar(4);not null;uniqueIndex"`
	Notes          *string             `gorm:"column:notes"`
	ExpiresAt      *time.Time          `gorm:"column:expires_at"`
	ManualRelease  bool                `gorm:"column:manual_release;not null"`
	ReleaseReason  *string             `gorm:"column:release_reason"`
	ReleaseImage   *string             `gorm:"column:release_image"`
	ReleasedBy     *uuid.UUID          `gorm:"column:released_by;type:uuid"`
	ReleasedAt     *time.Time          `gorm:"column:released_at"`
	Items          []OrderItem         `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt      time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// IsExpired reports whether a pending order has outlived its reservation at now.
func (o *Order) IsExpired(now time.Time) bool {
	if o == nil || o.Status != enums.OrderStatusPending || o.ExpiresAt == nil {
		return false
	}
	return now.After(*o.ExpiresAt)
}

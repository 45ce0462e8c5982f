package orders

import (
	"time"

	"github.com/google/uuid"

	"github.com/mercadofree/mercadofree-backend/pkg/enums"
	"github.com/mercadofree/mercadofree-backend/pkg/pagination"
)

// CheckoutItem is one requested product line.
type CheckoutItem struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"required,gt=0"`
}

// CheckoutInput carries everything needed to place an order.
type CheckoutInput struct {
	Items         []CheckoutItem      `json:"items" validate:"required,min=1,dive"`
	Notes         *string             `json:"notes,omitempty" validate:"omitempty,max=500"`
	PaymentMethod enums.PaymentMethod `json:"payment_method,omitempty" validate:"omitempty,enum"`
	Installments  int                 `json:"installments,omitempty" validate:"omitempty,min=1,max=12"`
}

// UpdateStatusInput is a staff status change with an optional manual release.
type UpdateStatusInput struct {
	Status        enums.OrderStatus `json:"status" validate:"required,enum"`
	Note          string            `json:"note,omitempty" validate:"omitempty,max=500"`
	ReleaseReason string            `json:"release_reason,omitempty" validate:"omitempty,max=500"`
	ReleaseImage  string            `json:"release_image,omitempty" validate:"omitempty,max=500"`
}

// ManualRelease records a staff override attached to a transition.
type ManualRelease struct {
	Reason string
	Image  string
}

// manualRelease is set only when a release reason is given; the image rides along.
func (in UpdateStatusInput) manualRelease() *ManualRelease {
	if in.ReleaseReason == "" {
		return nil
	}
	return &ManualRelease{Reason: in.ReleaseReason, Image: in.ReleaseImage}
}

// ListParams drives order listings.
type ListParams struct {
	pagination.Params
	Status *enums.OrderStatus
}

// OrderList is one page of order views.
type OrderList = pagination.Page[OrderView]

// AutoProcessResult reports whether the automatic paid to processing move happened.
type AutoProcessResult struct {
	Moved bool       `json:"moved"`
	Order *OrderView `json:"order"`
}

// ExpiredOrder is one reservation cancelled by a sweep.
type ExpiredOrder struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	ExpiresAt time.Time
	Items     int
}

// ExpiryResult summarises one sweep.
type ExpiryResult struct {
	Scanned   int
	Cancelled int
	Skipped   int
	Expired   []ExpiredOrder
}

// OrderIDs lists the ids cancelled by the sweep.
func (r ExpiryResult) OrderIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.Expired))
	for _, e := range r.Expired {
		ids = append(ids, e.ID)
	}
	return ids
}

// RestoredStock is the quantity returned to a product by a reset.
type RestoredStock struct {
	ProductID uuid.UUID `gorm:"column:product_id"`
	Quantity  int       `gorm:"column:quantity"`
}

// ResetSummary counts what an administrative reset removed.
type ResetSummary struct {
	Orders   int64
	Items    int64
	Payments int64
	History  int64
	Restored []RestoredStock
}

package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercadofree/mercadofree-backend/internal/repo"
	"github.com/mercadofree/mercadofree-backend/pkg/db/models"
	"github.com/mercadofree/mercadofree-backend/pkg/enums"
	pkgerrors "github.com/mercadofree/mercadofree-backend/pkg/errors"
	"github.com/mercadofree/mercadofree-backend/pkg/outbox"
	"github.com/mercadofree/mercadofree-backend/pkg/outbox/payloads"
)

const (
	refundTimeLayout = "02/01/2006 15:04:05"

	NoteReservationExpired = "Reservation expired"
	NotePaymentRejected    = "Payment rejected"
	NoteAutoProcess        = "Automatic transition after payment confirmation"
)

// TransitionParams describes one status change.
type TransitionParams struct {
	To      enums.OrderStatus
	Actor   Actor
	Note    string
	Release *ManualRelease
	// Expired marks reaper cancellations so an order.expired event is emitted too.
	Expired bool
}

// LockForUpdate loads the order with a row lock held until tx ends.
func (s *service) LockForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Order, error) {
	order, err := s.repo.WithTx(tx).FindForUpdate(ctx, id)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock order")
	}
	return order, nil
}

// Transition is the single write path for order status. The caller must hold the
// order row lock from LockForUpdate inside tx. Status, manual release fields, stock
// release, refund, history and outbox events all commit or roll back together.
func (s *service) Transition(ctx context.Context, tx *gorm.DB, order *models.Order, params TransitionParams) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required for status change")
	}
	if order == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	from := order.Status
	if err := ValidateTransition(from, params.To); err != nil {
		return err
	}

	store := s.repo.WithTx(tx)
	now := s.now()

	updates := map[string]any{
		"status":     params.To,
		"updated_at": now,
	}
	if params.Release != nil {
		updates["manual_release"] = true
		updates["release_reason"] = nullableString(params.Release.Reason)
		updates["release_image"] = nullableString(params.Release.Image)
		updates["released_by"] = params.Actor.ChangedBy()
		updates["released_at"] = now
	}
	ok, err := store.UpdateStatus(ctx, order.ID, from, updates)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
	}
	if !ok {
		return invalidTransition(from, params.To, "order status changed concurrently")
	}

	note := params.Note
	stockReleased := false
	if params.To == enums.OrderStatusCancelled {
		switch {
		case from == enums.OrderStatusPending:
			if err := s.releaseItems(ctx, tx, order.ID); err != nil {
				return err
			}
			stockReleased = true
			if _, err := store.RejectPendingPayment(ctx, order.ID, now); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reject pending payment")
			}
		case isRefundable(from):
			refund := fmt.Sprintf("Order cancelled. Refund issued at %s", now.Format(refundTimeLayout))
			if note == "" {
				note = refund
			} else {
				note = note + " - " + refund
			}
			if _, err := store.RefundApprovedPayment(ctx, order.ID, now); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "refund payment")
			}
		}
	}

	entry := &models.OrderStatusHistory{
		OrderID:   order.ID,
		Status:    params.To,
		ChangedBy: params.Actor.ChangedBy(),
		Note:      nullableString(note),
		CreatedAt: now,
	}
	if err := store.AppendHistory(ctx, entry); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append status history")
	}

	event := outbox.DomainEvent{
		EventType:     enums.EventOrderStatusChanged,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         params.Actor.ref(),
		OccurredAt:    now,
		Data: payloads.OrderStatusChangedEvent{
			OrderID:       order.ID,
			UserID:        order.UserID,
			From:          from,
			To:            params.To,
			Note:          note,
			StockReleased: stockReleased,
			ManualRelease: params.Release != nil,
			ChangedAt:     now,
		},
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit status change")
	}
	if params.Expired {
		expired := outbox.DomainEvent{
			EventType:     enums.EventOrderExpired,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         params.Actor.ref(),
			OccurredAt:    now,
			Data: payloads.OrderExpiredEvent{
				OrderID:   order.ID,
				UserID:    order.UserID,
				ExpiresAt: derefTime(order.ExpiresAt),
				ExpiredAt: now,
			},
		}
		if err := s.outbox.Emit(ctx, tx, expired); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit order expired")
		}
	}

	order.Status = params.To
	order.UpdatedAt = now
	if params.Release != nil {
		order.ManualRelease = true
		order.ReleaseReason = nullableString(params.Release.Reason)
		order.ReleaseImage = nullableString(params.Release.Image)
		order.ReleasedBy = params.Actor.ChangedBy()
		order.ReleasedAt = &now
	}
	s.metrics.IncTransition(from.String(), params.To.String())
	return nil
}

// releaseItems returns every reserved unit of the order to stock. It only runs on
// the pending to cancelled edge, which the status compare-and-set lets happen once.
func (s *service) releaseItems(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) error {
	items, err := s.repo.WithTx(tx).FindItems(ctx, orderID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order items")
	}
	for _, item := range items {
		if err := s.ledger.Release(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

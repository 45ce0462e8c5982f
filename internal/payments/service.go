package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mercadofree/mercadofree-backend/internal/orders"
	"github.com/mercadofree/mercadofree-backend/internal/repo"
	"github.com/mercadofree/mercadofree-backend/pkg/db"
	"github.com/mercadofree/mercadofree-backend/pkg/db/models"
	"github.com/mercadofree/mercadofree-backend/pkg/enums"
	pkgerrors "github.com/mercadofree/mercadofree-backend/pkg/errors"
	"github.com/mercadofree/mercadofree-backend/pkg/logger"
	"github.com/mercadofree/mercadofree-backend/pkg/metrics"
	"github.com/mercadofree/mercadofree-backend/pkg/outbox"
	"github.com/mercadofree/mercadofree-backend/pkg/outbox/payloads"
	"github.com/mercadofree/mercadofree-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// CreatePaymentInput is a payment attempt for an order.
type CreatePaymentInput struct {
	OrderID uuid.UUID           `json:"order_id" validate:"required"`
	Method  enums.PaymentMethod `json:"method,omitempty" validate:"omitempty,enum"`
}

// PaymentView is the client representation of a payment.
type PaymentView struct {
	ID            uuid.UUID           `json:"id"`
	OrderID       uuid.UUID           `json:"order_id"`
	Method        enums.PaymentMethod `json:"method"`
	Status        enums.PaymentStatus `json:"status"`
	Amount        decimal.Decimal     `json:"amount"`
	TransactionID *string             `json:"transaction_id"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// PaymentList is one page of payments.
type PaymentList = pagination.Page[PaymentView]

// Service defines the payment stub operations.
type Service interface {
	Create(ctx context.Context, actor orders.Actor, input CreatePaymentInput) (*PaymentView, error)
	SimulateApproval(ctx context.Context, actor orders.Actor, paymentID uuid.UUID) (*PaymentView, error)
	Get(ctx context.Context, actor orders.Actor, id uuid.UUID) (*PaymentView, error)
	List(ctx context.Context, actor orders.Actor, params pagination.Params) (*PaymentList, error)
}

// Option customises a service.
type Option func(*service)

func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *service) {
		if now != nil {
			s.now = now
		}
	}
}

type service struct {
	repo     Repository
	tx       txRunner
	orders   orders.Transitioner
	outbox   outboxPublisher
	approver Approver
	logg     *logger.Logger
	metrics  *metrics.OrderMetrics
	now      func() time.Time
}

// NewService builds the payment service with the required dependencies.
func NewService(repo Repository, tx txRunner, orderTransitions orders.Transitioner, outbox outboxPublisher, approver Approver, logg *logger.Logger, opts ...Option) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if orderTransitions == nil {
		return nil, fmt.Errorf("order transitioner required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if approver == nil {
		return nil, fmt.Errorf("approver required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	s := &service{
		repo:     repo,
		tx:       tx,
		orders:   orderTransitions,
		outbox:   outbox,
		approver: approver,
		logg:     logg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func notPayable(reason string) error {
	return pkgerrors.New(pkgerrors.CodeOrderNotPayable, "order cannot be paid: "+reason).
		WithDetails(map[string]any{"reason": reason})
}

func (s *service) Create(ctx context.Context, actor orders.Actor, input CreatePaymentInput) (*PaymentView, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}

	var (
		payment  *models.Payment
		rejected error
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.orders.LockForUpdate(ctx, tx, input.OrderID)
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
				return notPayable("order not found")
			}
			return err
		}
		if !actor.CanAccess(order) {
			return notPayable("order belongs to another customer")
		}
		store := s.repo.WithTx(tx)
		exists, err := store.ExistsForOrder(ctx, order.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check existing payment")
		}
		if exists {
			return notPayable("order already has a payment")
		}
		if order.Status != enums.OrderStatusPending {
			return notPayable(fmt.Sprintf("order is %s", order.Status))
		}
		now := s.now()
		if order.IsExpired(now) {
			// the cancellation commits; the caller still gets the refusal
			rejected = notPayable("reservation expired")
			return s.orders.Transition(ctx, tx, order, orders.TransitionParams{
				To:      enums.OrderStatusCancelled,
				Actor:   orders.System(),
				Note:    orders.NoteReservationExpired,
				Expired: true,
			})
		}

		method := input.Method
		if method == "" {
			method = order.PaymentMethod
		}
		if !method.IsValid() {
			return pkgerrors.Newf(pkgerrors.CodeValidation, "invalid payment method %q", method)
		}
		decision, err := s.approver.Decide(ctx, order, method)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decide payment")
		}

		payment = &models.Payment{
			OrderID:       order.ID,
			Method:        method,
			Status:        decision.Status,
			Amount:        order.TotalAmount,
			TransactionID: optional(decision.TransactionID),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := store.Create(ctx, payment); err != nil {
			if db.IsUniqueViolation(err, "") {
				return notPayable("order already has a payment")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment")
		}
		return s.settle(ctx, tx, actor, order, payment)
	})
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		s.logg.Info(s.logg.WithOrderID(ctx, input.OrderID.String()), "payment refused for expired reservation")
		return nil, rejected
	}
	s.metrics.IncPayment(payment.Status.String())
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"order_id":   payment.OrderID.String(),
		"payment_id": payment.ID.String(),
		"status":     payment.Status,
	})
	s.logg.Info(logCtx, "payment recorded")
	view := newPaymentView(payment)
	return &view, nil
}

// settle moves the order according to the payment status and emits the
// payment event. Pending payments leave the order untouched.
func (s *service) settle(ctx context.Context, tx *gorm.DB, actor orders.Actor, order *models.Order, payment *models.Payment) error {
	switch payment.Status {
	case enums.PaymentStatusApproved:
		note := "Payment approved"
		if payment.TransactionID != nil {
			note = fmt.Sprintf("Payment approved (%s)", *payment.TransactionID)
		}
		if err := s.orders.Transition(ctx, tx, order, orders.TransitionParams{
			To:    enums.OrderStatusPaid,
			Actor: actor,
			Note:  note,
		}); err != nil {
			return err
		}
	case enums.PaymentStatusRejected:
		if err := s.orders.Transition(ctx, tx, order, orders.TransitionParams{
			To:    enums.OrderStatusCancelled,
			Actor: actor,
			Note:  orders.NotePaymentRejected,
		}); err != nil {
			return err
		}
	}

	event := outbox.DomainEvent{
		EventType:     enums.EventPaymentProcessed,
		AggregateType: enums.AggregatePayment,
		AggregateID:   payment.ID,
		Actor:         &outbox.ActorRef{UserID: actor.ChangedBy(), Role: actor.Role.String()},
		Data: payloads.PaymentProcessedEvent{
			PaymentID:     payment.ID,
			OrderID:       order.ID,
			Method:        payment.Method,
			Status:        payment.Status,
			Amount:        payment.Amount,
			TransactionID: deref(payment.TransactionID),
		},
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit payment processed")
	}
	return nil
}

func (s *service) SimulateApproval(ctx context.Context, actor orders.Actor, paymentID uuid.UUID) (*PaymentView, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	current, err := s.repo.FindByID(ctx, paymentID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
	}

	var (
		payment  *models.Payment
		rejected error
	)
	// lock the order before the payment, the order refunds take them in
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.orders.LockForUpdate(ctx, tx, current.OrderID)
		if err != nil {
			return err
		}
		if !actor.CanAccess(order) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "only the order owner or staff can approve this payment")
		}
		store := s.repo.WithTx(tx)
		payment, err = store.FindForUpdate(ctx, paymentID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock payment")
		}
		if payment.Status != enums.PaymentStatusPending {
			return notPayable(fmt.Sprintf("payment is already %s", payment.Status))
		}
		if order.Status != enums.OrderStatusPending {
			return notPayable(fmt.Sprintf("order is %s", order.Status))
		}

		now := s.now()
		if order.IsExpired(now) {
			rejected = notPayable("reservation expired")
			return s.orders.Transition(ctx, tx, order, orders.TransitionParams{
				To:      enums.OrderStatusCancelled,
				Actor:   orders.System(),
				Note:    orders.NoteReservationExpired,
				Expired: true,
			})
		}

		txID := newTransactionID()
		if err := store.Update(ctx, payment.ID, map[string]any{
			"status":         enums.PaymentStatusApproved,
			"transaction_id": txID,
			"updated_at":     now,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "approve payment")
		}
		payment.Status = enums.PaymentStatusApproved
		payment.TransactionID = &txID
		payment.UpdatedAt = now
		return s.settle(ctx, tx, actor, order, payment)
	})
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		return nil, rejected
	}
	s.metrics.IncPayment(payment.Status.String())
	view := newPaymentView(payment)
	return &view, nil
}

func (s *service) Get(ctx context.Context, actor orders.Actor, id uuid.UUID) (*PaymentView, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	payment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
	}
	if !actor.IsStaff() {
		owner, err := s.repo.OrderOwner(ctx, payment.OrderID)
		if err != nil && !repo.IsNotFound(err) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}
		if owner != actor.UserID {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
	}
	view := newPaymentView(payment)
	return &view, nil
}

func (s *service) List(ctx context.Context, actor orders.Actor, params pagination.Params) (*PaymentList, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if _, err := pagination.ParseCursor(params.Cursor); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	var scope *uuid.UUID
	if !actor.IsStaff() {
		userID := actor.UserID
		scope = &userID
	}
	rows, err := s.repo.List(ctx, scope, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list payments")
	}
	page := pagination.Trim(rows, params.Limit, func(p models.Payment) pagination.Cursor {
		return pagination.Cursor{CreatedAt: p.CreatedAt, ID: p.ID}
	})
	out := &PaymentList{Items: make([]PaymentView, 0, len(page.Items)), NextCursor: page.NextCursor}
	for i := range page.Items {
		out.Items = append(out.Items, newPaymentView(&page.Items[i]))
	}
	return out, nil
}

func newPaymentView(p *models.Payment) PaymentView {
	return PaymentView{
		ID:            p.ID,
		OrderID:       p.OrderID,
		Method:        p.Method,
		Status:        p.Status,
		Amount:        p.Amount,
		TransactionID: p.TransactionID,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

package orders

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/mercadofree/mercadofree-backend/internal/inventory"
	"github.com/mercadofree/mercadofree-backend/internal/repo"
	"github.com/mercadofree/mercadofree-backend/pkg/config"
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

const (
	defaultPendingWindow   = 10 * time.Minute
	defaultExpiryBatchSize = 100
	pickupCodeAttempts     = 20
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// StockLedger reserves and returns product stock inside a caller transaction.
type StockLedger interface {
	ReserveAll(ctx context.Context, tx *gorm.DB, lines []inventory.Line) ([]inventory.Reservation, error)
	Release(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error
}

// Transitioner is the locked write path other domains use to move an order.
type Transitioner interface {
	LockForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Order, error)
	Transition(ctx context.Context, tx *gorm.DB, order *models.Order, params TransitionParams) error
}

// Service defines the order workflow.
type Service interface {
	Transitioner
	Checkout(ctx context.Context, actor Actor, input CheckoutInput) (*OrderView, error)
	Get(ctx context.Context, actor Actor, id uuid.UUID) (*OrderView, error)
	List(ctx context.Context, actor Actor, params ListParams) (*OrderList, error)
	ListMine(ctx context.Context, actor Actor, params ListParams) (*OrderList, error)
	Cancel(ctx context.Context, actor Actor, id uuid.UUID) (*OrderView, error)
	UpdateStatus(ctx context.Context, actor Actor, id uuid.UUID, input UpdateStatusInput) (*OrderView, error)
	AutoProcess(ctx context.Context, actor Actor, id uuid.UUID) (*AutoProcessResult, error)
	History(ctx context.Context, actor Actor, id uuid.UUID) ([]HistoryEntry, error)
	ExpirePending(ctx context.Context, now time.Time) (ExpiryResult, error)
	Reset(ctx context.Context) (ResetSummary, error)
}

// Option customises a service.
type Option func(*service)

// WithMetrics records checkout, transition and expiry counters.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		if now != nil {
			s.now = now
		}
	}
}

type service struct {
	repo          Repository
	tx            txRunner
	outbox        outboxPublisher
	ledger        StockLedger
	logg          *logger.Logger
	metrics       *metrics.OrderMetrics
	now           func() time.Time
	pendingWindow time.Duration
	batchSize     int
}

// NewService builds the order service with the required dependencies.
func NewService(repo Repository, tx txRunner, outbox outboxPublisher, ledger StockLedger, cfg config.OrdersConfig, logg *logger.Logger, opts ...Option) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("stock ledger required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	s := &service{
		repo:          repo,
		tx:            tx,
		outbox:        outbox,
		ledger:        ledger,
		logg:          logg,
		now:           func() time.Time { return time.Now().UTC() },
		pendingWindow: cfg.PendingWindow,
		batchSize:     cfg.ExpiryBatchSize,
	}
	if s.pendingWindow <= 0 {
		s.pendingWindow = defaultPendingWindow
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultExpiryBatchSize
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *service) Checkout(ctx context.Context, actor Actor, input CheckoutInput) (*OrderView, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if actor.IsSystem() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "system actor cannot place orders")
	}
	method := input.PaymentMethod
	if method == "" {
		method = enums.PaymentMethodPix
	}
	if !method.IsValid() {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "invalid payment method %q", method)
	}
	installments := input.Installments
	if installments == 0 {
		installments = 1
	}
	if installments < 1 || installments > 12 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "installments must be between 1 and 12")
	}
	lines := make([]inventory.Line, 0, len(input.Items))
	for _, item := range input.Items {
		lines = append(lines, inventory.Line{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	var orderID uuid.UUID
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		reservations, err := s.ledger.ReserveAll(ctx, tx, lines)
		if err != nil {
			return err
		}

		store := s.repo.WithTx(tx)
		code, err := s.pickupCode(ctx, store)
		if err != nil {
			return err
		}

		now := s.now()
		expiresAt := now.Add(s.pendingWindow)
		total := decimal.Zero
		items := make([]models.OrderItem, 0, len(reservations))
		eventLines := make([]payloads.OrderLine, 0, len(reservations))
		for _, r := range reservations {
			item := models.OrderItem{ProductID: r.ProductID, Quantity: r.Quantity, Price: r.UnitPrice}
			total = total.Add(item.Subtotal())
			items = append(items, item)
			eventLines = append(eventLines, payloads.OrderLine{ProductID: r.ProductID, Quantity: r.Quantity, UnitPrice: r.UnitPrice})
		}

		order := &models.Order{
			UserID:         actor.UserID,
			Status:         enums.OrderStatusPending,
			PaymentMethod:  method,
			Installments:   installments,
			DiscountAmount: decimal.Zero,
			TotalAmount:    total,
			PickupCode:     code,
			Notes:          input.Notes,
			ExpiresAt:      &expiresAt,
			Items:          items,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := store.Create(ctx, order); err != nil {
			if db.IsUniqueViolation(err, "") {
				return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "pickup code already in use, retry checkout")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}

		entry := &models.OrderStatusHistory{
			OrderID:   order.ID,
			Status:    enums.OrderStatusPending,
			ChangedBy: actor.ChangedBy(),
			Note:      nullableString("Order created"),
			CreatedAt: now,
		}
		if err := store.AppendHistory(ctx, entry); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append status history")
		}

		event := outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         actor.ref(),
			OccurredAt:    now,
			Data: payloads.OrderCreatedEvent{
				OrderID:       order.ID,
				UserID:        order.UserID,
				TotalAmount:   total,
				PaymentMethod: method,
				Installments:  installments,
				ExpiresAt:     expiresAt,
				Items:         eventLines,
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit order created")
		}
		orderID = order.ID
		return nil
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock) {
			s.metrics.IncCheckout("insufficient_stock")
		} else {
			s.metrics.IncCheckout("failed")
		}
		return nil, err
	}
	s.metrics.IncCheckout("created")

	logCtx := s.logg.WithOrderID(s.logg.WithUserID(ctx, actor.UserID.String()), orderID.String())
	s.logg.Info(logCtx, "order placed")
	return s.Get(ctx, actor, orderID)
}

// pickupCode draws a 4 digit code not used by any order. The unique constraint
// still backstops a concurrent draw of the same code.
func (s *service) pickupCode(ctx context.Context, store Repository) (string, error) {
	for i := 0; i < pickupCodeAttempts; i++ {
		code := fmt.Sprintf("%04d", rand.IntN(10000))
		exists, err := store.PickupCodeExists(ctx, code)
		if err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check pickup code")
		}
		if !exists {
			return code, nil
		}
	}
	return "", pkgerrors.New(pkgerrors.CodeConflict, "could not allocate a pickup code")
}

func (s *service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*OrderView, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	order, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	// other customers' orders are indistinguishable from missing ones
	if !actor.CanAccess(order) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	history, err := s.repo.RecentHistory(ctx, []uuid.UUID{order.ID}, recentHistoryLimit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load status history")
	}
	view := newOrderView(order, history[order.ID], s.now())
	return &view, nil
}

func (s *service) List(ctx context.Context, actor Actor, params ListParams) (*OrderList, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	filter := ListFilter{Status: params.Status}
	if !actor.IsStaff() && !actor.IsSystem() {
		userID := actor.UserID
		filter.UserID = &userID
	}
	return s.list(ctx, filter, params)
}

func (s *service) ListMine(ctx context.Context, actor Actor, params ListParams) (*OrderList, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if actor.IsSystem() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "system actor has no orders")
	}
	userID := actor.UserID
	return s.list(ctx, ListFilter{UserID: &userID, Status: params.Status}, params)
}

func (s *service) list(ctx context.Context, filter ListFilter, params ListParams) (*OrderList, error) {
	if params.Status != nil && !params.Status.IsValid() {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "unknown order status %q", *params.Status)
	}
	if _, err := pagination.ParseCursor(params.Cursor); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	s.sweep(ctx)

	rows, err := s.repo.List(ctx, filter, params.Params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	page := pagination.Trim(rows, params.Limit, func(o models.Order) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	})

	ids := make([]uuid.UUID, 0, len(page.Items))
	for _, o := range page.Items {
		ids = append(ids, o.ID)
	}
	history, err := s.repo.RecentHistory(ctx, ids, recentHistoryLimit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load status history")
	}

	now := s.now()
	out := &OrderList{Items: make([]OrderView, 0, len(page.Items)), NextCursor: page.NextCursor}
	for i := range page.Items {
		out.Items = append(out.Items, newOrderView(&page.Items[i], history[page.Items[i].ID], now))
	}
	return out, nil
}

// sweep runs the expiry reaper before a listing. Failures are logged only; the
// periodic job retries them.
func (s *service) sweep(ctx context.Context) {
	result, err := s.ExpirePending(ctx, s.now())
	if err != nil {
		s.logg.Error(ctx, "lazy expiry sweep failed", err)
		return
	}
	if result.Cancelled > 0 {
		logCtx := s.logg.WithField(ctx, "cancelled", result.Cancelled)
		s.logg.Info(logCtx, "lazy expiry sweep cancelled orders")
	}
}

func (s *service) Cancel(ctx context.Context, actor Actor, id uuid.UUID) (*OrderView, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.LockForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !actor.IsStaff() && !actor.Owns(order) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "only the order owner or staff can cancel this order")
		}
		if order.Status != enums.OrderStatusPending {
			return invalidTransition(order.Status, enums.OrderStatusCancelled,
				fmt.Sprintf("only pending orders can be cancelled, order is %s", order.Status))
		}
		note := "Cancelled by customer"
		if actor.IsStaff() {
			note = "Cancelled by staff"
		}
		return s.Transition(ctx, tx, order, TransitionParams{
			To:    enums.OrderStatusCancelled,
			Actor: actor,
			Note:  note,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithOrderID(ctx, id.String()), "order cancelled")
	return s.Get(ctx, actor, id)
}

func (s *service) UpdateStatus(ctx context.Context, actor Actor, id uuid.UUID, input UpdateStatusInput) (*OrderView, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if !actor.IsStaff() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only staff can update order status")
	}
	target, err := enums.ParseOrderStatus(string(input.Status))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status")
	}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.LockForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		return s.Transition(ctx, tx, order, TransitionParams{
			To:      target,
			Actor:   actor,
			Note:    input.Note,
			Release: input.manualRelease(),
		})
	})
	if err != nil {
		return nil, err
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{"order_id": id.String(), "status": target})
	s.logg.Info(logCtx, "order status updated")
	return s.Get(ctx, actor, id)
}

func (s *service) AutoProcess(ctx context.Context, actor Actor, id uuid.UUID) (*AutoProcessResult, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	moved := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.LockForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !actor.CanAccess(order) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "only the order owner or staff can process this order")
		}
		if order.Status != enums.OrderStatusPaid {
			return nil
		}
		moved = true
		return s.Transition(ctx, tx, order, TransitionParams{
			To:    enums.OrderStatusProcessing,
			Actor: actor,
			Note:  NoteAutoProcess,
		})
	})
	if err != nil {
		return nil, err
	}
	view, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return &AutoProcessResult{Moved: moved, Order: view}, nil
}

func (s *service) History(ctx context.Context, actor Actor, id uuid.UUID) ([]HistoryEntry, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	order, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if !actor.CanAccess(order) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the order owner or staff can read its history")
	}
	rows, err := s.repo.History(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load status history")
	}
	return newHistoryEntries(rows, 0), nil
}

// ExpirePending cancels every pending order whose reservation ended before now.
// Each order is decided in its own transaction under its row lock, so concurrent
// sweeps and payments never both act on one order. Per-order failures are
// collected and do not stop the sweep.
func (s *service) ExpirePending(ctx context.Context, now time.Time) (ExpiryResult, error) {
	var (
		result ExpiryResult
		errs   error
		after  uuid.UUID
	)
	for {
		ids, err := s.repo.ExpiredPendingIDs(ctx, now, after, s.batchSize)
		if err != nil {
			return result, multierr.Append(errs, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "select expired orders"))
		}
		for _, id := range ids {
			result.Scanned++
			expired, err := s.expireOne(ctx, id, now)
			switch {
			case err != nil:
				errs = multierr.Append(errs, fmt.Errorf("expire order %s: %w", id, err))
			case expired == nil:
				result.Skipped++
			default:
				result.Cancelled++
				result.Expired = append(result.Expired, *expired)
			}
		}
		if len(ids) < s.batchSize {
			break
		}
		after = ids[len(ids)-1]
	}
	s.metrics.AddExpired(result.Cancelled)
	return result, errs
}

func (s *service) expireOne(ctx context.Context, id uuid.UUID, now time.Time) (*ExpiredOrder, error) {
	var expired *ExpiredOrder
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.LockForUpdate(ctx, tx, id)
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
				return nil
			}
			return err
		}
		// another sweep or a payment got here first
		if !order.IsExpired(now) {
			return nil
		}
		items, err := s.repo.WithTx(tx).FindItems(ctx, order.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order items")
		}
		if err := s.Transition(ctx, tx, order, TransitionParams{
			To:      enums.OrderStatusCancelled,
			Actor:   System(),
			Note:    NoteReservationExpired,
			Expired: true,
		}); err != nil {
			return err
		}
		expired = &ExpiredOrder{
			ID:        order.ID,
			UserID:    order.UserID,
			ExpiresAt: derefTime(order.ExpiresAt),
			Items:     len(items),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// Reset returns the stock held by every non-cancelled order and deletes all
// orders with their items, payments and history in one transaction.
func (s *service) Reset(ctx context.Context) (ResetSummary, error) {
	var summary ResetSummary
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		store := s.repo.WithTx(tx)
		restored, err := store.ActiveItemTotals(ctx)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum reserved stock")
		}
		for _, r := range restored {
			if err := s.ledger.Release(ctx, tx, r.ProductID, r.Quantity); err != nil {
				return err
			}
		}
		summary, err = store.DeleteAll(ctx)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete orders")
		}
		summary.Restored = restored
		return nil
	})
	if err != nil {
		return ResetSummary{}, err
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"orders":   summary.Orders,
		"items":    summary.Items,
		"payments": summary.Payments,
		"history":  summary.History,
	})
	s.logg.Warn(logCtx, "orders reset")
	return summary, nil
}

package payments

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mercadofree/mercadofree-backend/internal/inventory"
	"github.com/mercadofree/mercadofree-backend/internal/orders"
	"github.com/mercadofree/mercadofree-backend/pkg/config"
	"github.com/mercadofree/mercadofree-backend/pkg/db"
	"github.com/mercadofree/mercadofree-backend/pkg/db/dbtest"
	"github.com/mercadofree/mercadofree-backend/pkg/db/models"
	"github.com/mercadofree/mercadofree-backend/pkg/enums"
	pkgerrors "github.com/mercadofree/mercadofree-backend/pkg/errors"
	"github.com/mercadofree/mercadofree-backend/pkg/logger"
	"github.com/mercadofree/mercadofree-backend/pkg/outbox"
	"github.com/mercadofree/mercadofree-backend/pkg/pagination"
)

type fixedApprover struct {
	decision Decision
	err      error
}

func (f fixedApprover) Decide(context.Context, *models.Order, enums.PaymentMethod) (Decision, error) {
	return f.decision, f.err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	conn    *gorm.DB
	orders  orders.Service
	clock   *clock
	product models.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	orderSvc, err := orders.NewService(
		orders.NewRepository(conn),
		db.NewFromConn(conn),
		outbox.NewService(outbox.NewRepository(conn), nil),
		inventory.NewLedger(),
		config.OrdersConfig{PendingWindow: 10 * time.Minute},
		logger.Nop(),
		orders.WithClock(c.Now),
	)
	require.NoError(t, err)
	return &fixture{
		conn:    conn,
		orders:  orderSvc,
		clock:   c,
		product: dbtest.SeedProduct(t, conn, "Shirt", 5, "10.00"),
	}
}

func (f *fixture) service(t *testing.T, approver Approver) Service {
	t.Helper()
	svc, err := NewService(
		NewRepository(f.conn),
		db.NewFromConn(f.conn),
		f.orders,
		outbox.NewService(outbox.NewRepository(f.conn), nil),
		approver,
		logger.Nop(),
		WithClock(f.clock.Now),
	)
	require.NoError(t, err)
	return svc
}

func (f *fixture) placeOrder(t *testing.T, actor orders.Actor, qty int) *orders.OrderView {
	t.Helper()
	view, err := f.orders.Checkout(context.Background(), actor, orders.CheckoutInput{
		Items:         []orders.CheckoutItem{{ProductID: f.product.ID, Quantity: qty}},
		PaymentMethod: enums.PaymentMethodCreditCard,
	})
	require.NoError(t, err)
	return view
}

func approved() Approver {
	return fixedApprover{decision: Decision{Status: enums.PaymentStatusApproved, TransactionID: "TXN-TEST"}}
}

func rejectedApprover() Approver {
	return fixedApprover{decision: Decision{Status: enums.PaymentStatusRejected, TransactionID: "TXN-DECLINED"}}
}

func TestCreateApprovedPaymentMarksOrderPaid(t *testing.T) {
	f := newFixture(t)
	customer := orders.Customer(uuid.New())
	order := f.placeOrder(t, customer, 2)
	svc := f.service(t, approved())

	payment, err := svc.Create(context.Background(), customer, CreatePaymentInput{OrderID: order.ID})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusApproved, payment.Status)
	assert.Equal(t, enums.PaymentMethodCreditCard, payment.Method)
	assert.True(t, payment.Amount.Equal(order.TotalAmount))
	require.NotNil(t, payment.TransactionID)
	assert.Equal(t, "TXN-TEST", *payment.TransactionID)

	view, err := f.orders.Get(context.Background(), customer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaid, view.Status)
	assert.Equal(t, 3, dbtest.Stock(t, f.conn, f.product.ID))

	var events int64
	require.NoError(t, f.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventPaymentProcessed).Count(&events).Error)
	assert.Equal(t, int64(1), events)
}

func TestCreateRejectedPaymentCancelsAndReleases(t *testing.T) {
	f := newFixture(t)
	customer := orders.Customer(uuid.New())
	order := f.placeOrder(t, customer, 2)
	svc := f.service(t, rejectedApprover())

	payment, err := svc.Create(context.Background(), customer, CreatePaymentInput{OrderID: order.ID, Method: enums.PaymentMethodPix})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusRejected, payment.Status)
	require.NotNil(t, payment.TransactionID)
	assert.True(t, strings.HasPrefix(*payment.TransactionID, "TXN-"))

	view, err := f.orders.Get(context.Background(), customer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, view.Status)
	require.NotNil(t, view.RecentHistory[0].Note)
	assert.Equal(t, orders.NotePaymentRejected, *view.RecentHistory[0].Note)
	assert.Equal(t, 5, dbtest.Stock(t, f.conn, f.product.ID))
}

func TestCreateRefusesUnpayableOrders(t *testing.T) {
	f := newFixture(t)
	customer := orders.Customer(uuid.New())
	order := f.placeOrder(t, customer, 1)
	svc := f.service(t, approved())

	_, err := svc.Create(context.Background(), customer, CreatePaymentInput{OrderID: uuid.New()})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeOrderNotPayable))

	_, err = svc.Create(context.Background(), orders.Customer(uuid.New()), CreatePaymentInput{OrderID: order.ID})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeOrderNotPayable))

	_, err = svc.Create(context.Background(), customer, CreatePaymentInput{OrderID: order.ID})
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), customer, CreatePaymentInput{OrderID: order.ID})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeOrderNotPayable, typed.Code())
	assert.Equal(t, map[string]any{"reason": "order already has a payment"}, typed.Details())

	other := f.placeOrder(t, customer, 1)
	_, err = f.orders.Cancel(context.Background(), customer, other.ID)
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), customer, CreatePaymentInput{OrderID: other.ID})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeOrderNotPayable))
}

func TestCreateOnExpiredOrderCancelsIt(t *testing.T) {
	f := newFixture(t)
	customer := orders.Customer(uuid.New())
	order := f.placeOrder(t, customer, 3)
	svc := f.service(t, approved())
	require.Equal(t, 2, dbtest.Stock(t, f.conn, f.product.ID))

	f.clock.Advance(11 * time.Minute)

	_, err := svc.Create(context.Background(), customer, CreatePaymentInput{OrderID: order.ID})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeOrderNotPayable))

	view, err := f.orders.Get(context.Background(), customer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, view.Status)
	assert.Equal(t, 5, dbtest.Stock(t, f.conn, f.product.ID))

	var count int64
	require.NoError(t, f.conn.Model(&models.Payment{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreatePropagatesApproverFailure(t *testing.T) {
	f := newFixture(t)
	customer := orders.Customer(uuid.New())
	order := f.placeOrder(t, customer, 1)
	svc := f.service(t, fixedApprover{err: errors.New("gateway down")})

	_, err := svc.Create(context.Background(), customer, CreatePaymentInput{OrderID: order.ID})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	view, err := f.orders.Get(context.Background(), customer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPending, view.Status)
}

func TestManualModeThenSimulateApproval(t *testing.T) {
	f := newFixture(t)
	customer := orders.Customer(uuid.New())
	order := f.placeOrder(t, customer, 1)
	svc := f.service(t, ManualApprover{})

	payment, err := svc.Create(context.Background(), customer, CreatePaymentInput{OrderID: order.ID})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPending, payment.Status)

	view, err := f.orders.Get(context.Background(), customer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPending, view.Status)

	_, err = svc.SimulateApproval(context.Background(), orders.Customer(uuid.New()), payment.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))

	approvedPayment, err := svc.SimulateApproval(context.Background(), customer, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusApproved, approvedPayment.Status)
	require.NotNil(t, approvedPayment.TransactionID)
	assert.Regexp(t, `^TXN-[0-9A-F]{16}$`, *approvedPayment.TransactionID)

	view, err = f.orders.Get(context.Background(), customer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaid, view.Status)

	_, err = svc.SimulateApproval(context.Background(), customer, payment.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeOrderNotPayable))

	_, err = svc.SimulateApproval(context.Background(), customer, uuid.New())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestSimulateApprovalAfterExpiryRejects(t *testing.T) {
	f := newFixture(t)
	customer := orders.Customer(uuid.New())
	order := f.placeOrder(t, customer, 2)
	svc := f.service(t, ManualApprover{})
	payment, err := svc.Create(context.Background(), customer, CreatePaymentInput{OrderID: order.ID})
	require.NoError(t, err)

	f.clock.Advance(11 * time.Minute)

	_, err = svc.SimulateApproval(context.Background(), customer, payment.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeOrderNotPayable))

	reloaded, err := svc.Get(context.Background(), customer, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusRejected, reloaded.Status)
	assert.Equal(t, 5, dbtest.Stock(t, f.conn, f.product.ID))
}

func TestExpirySweepRejectsPendingPayment(t *testing.T) {
	f := newFixture(t)
	customer := orders.Customer(uuid.New())
	order := f.placeOrder(t, customer, 2)
	svc := f.service(t, ManualApprover{})
	payment, err := svc.Create(context.Background(), customer, CreatePaymentInput{OrderID: order.ID})
	require.NoError(t, err)
	require.Equal(t, enums.PaymentStatusPending, payment.Status)

	f.clock.Advance(11 * time.Minute)
	result, err := f.orders.ExpirePending(context.Background(), f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, result.Cancelled)

	reloaded, err := svc.Get(context.Background(), customer, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusRejected, reloaded.Status)
	assert.Equal(t, 5, dbtest.Stock(t, f.conn, f.product.ID))
}

func TestGetAndListAreScopedToOwner(t *testing.T) {
	f := newFixture(t)
	alice := orders.Customer(uuid.New())
	bob := orders.Customer(uuid.New())
	staff := orders.Staff(uuid.New())
	svc := f.service(t, approved())

	alicePayment, err := svc.Create(context.Background(), alice, CreatePaymentInput{OrderID: f.placeOrder(t, alice, 1).ID})
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), bob, CreatePaymentInput{OrderID: f.placeOrder(t, bob, 1).ID})
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), bob, alicePayment.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	got, err := svc.Get(context.Background(), staff, alicePayment.ID)
	require.NoError(t, err)
	assert.Equal(t, alicePayment.ID, got.ID)

	mine, err := svc.List(context.Background(), alice, pagination.Params{})
	require.NoError(t, err)
	require.Len(t, mine.Items, 1)
	assert.Equal(t, alicePayment.ID, mine.Items[0].ID)

	all, err := svc.List(context.Background(), staff, pagination.Params{Limit: 1})
	require.NoError(t, err)
	require.Len(t, all.Items, 1)
	assert.NotEmpty(t, all.NextCursor)
}

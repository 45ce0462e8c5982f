package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercadofree/mercadofree-backend/internal/repo"
	"github.com/mercadofree/mercadofree-backend/pkg/db/models"
	"github.com/mercadofree/mercadofree-backend/pkg/enums"
	"github.com/mercadofree/mercadofree-backend/pkg/pagination"
)

// Repository defines persistence operations for orders and their history.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) error
	PickupCodeExists(ctx context.Context, code string) (bool, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from enums.OrderStatus, updates map[string]any) (bool, error)
	RefundApprovedPayment(ctx context.Context, orderID uuid.UUID, at time.Time) (bool, error)
	RejectPendingPayment(ctx context.Context, orderID uuid.UUID, at time.Time) (bool, error)
	AppendHistory(ctx context.Context, entry *models.OrderStatusHistory) error
	History(ctx context.Context, orderID uuid.UUID) ([]models.OrderStatusHistory, error)
	RecentHistory(ctx context.Context, orderIDs []uuid.UUID, perOrder int) (map[uuid.UUID][]models.OrderStatusHistory, error)
	List(ctx context.Context, filter ListFilter, params pagination.Params) ([]models.Order, error)
	ExpiredPendingIDs(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error)
	ActiveItemTotals(ctx context.Context) ([]RestoredStock, error)
	DeleteAll(ctx context.Context) (ResetSummary, error)
}

// ListFilter narrows order listings. A nil UserID lists every order.
type ListFilter struct {
	UserID *uuid.UUID
	Status *enums.OrderStatus
}

type repository struct {
	repo.Base
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

func (r *repository) Create(ctx context.Context, order *models.Order) error {
	return r.DB(ctx).Create(order).Error
}

func (r *repository) PickupCodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&models.Order{}).Where("pickup_code = ?", code).Count(&count).Error
	return count > 0, err
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.DB(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("order_items.id ASC") }).
		Preload("Items.Product").
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FindForUpdate locks the order row for the rest of the caller's transaction.
// Items are not preloaded so the lock clause stays on the order query alone.
func (r *repository) FindForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.ForUpdate(ctx).
		Where("id = ?", id).
		Take(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := r.DB(ctx).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Find(&items).Error
	return items, err
}

// UpdateStatus writes updates only while the row still carries the expected
// status and reports whether it did.
func (r *repository) UpdateStatus(ctx context.Context, id uuid.UUID, from enums.OrderStatus, updates map[string]any) (bool, error) {
	res := r.DB(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) RefundApprovedPayment(ctx context.Context, orderID uuid.UUID, at time.Time) (bool, error) {
	res := r.DB(ctx).
		Model(&models.Payment{}).
		Where("order_id = ? AND status = ?", orderID, enums.PaymentStatusApproved).
		Updates(map[string]any{
			"status":     enums.PaymentStatusRefunded,
			"updated_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) RejectPendingPayment(ctx context.Context, orderID uuid.UUID, at time.Time) (bool, error) {
	res := r.DB(ctx).
		Model(&models.Payment{}).
		Where("order_id = ? AND status = ?", orderID, enums.PaymentStatusPending).
		Updates(map[string]any{
			"status":     enums.PaymentStatusRejected,
			"updated_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) AppendHistory(ctx context.Context, entry *models.OrderStatusHistory) error {
	return r.DB(ctx).Create(entry).Error
}

// History returns every entry of an order, newest first.
func (r *repository) History(ctx context.Context, orderID uuid.UUID) ([]models.OrderStatusHistory, error) {
	var entries []models.OrderStatusHistory
	err := r.DB(ctx).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		Find(&entries).Error
	return entries, err
}

// RecentHistory returns up to perOrder newest entries for each order.
func (r *repository) RecentHistory(ctx context.Context, orderIDs []uuid.UUID, perOrder int) (map[uuid.UUID][]models.OrderStatusHistory, error) {
	out := make(map[uuid.UUID][]models.OrderStatusHistory, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}
	var entries []models.OrderStatusHistory
	err := r.DB(ctx).
		Where("order_id IN ?", orderIDs).
		Order("created_at DESC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if perOrder > 0 && len(out[entry.OrderID]) >= perOrder {
			continue
		}
		out[entry.OrderID] = append(out[entry.OrderID], entry)
	}
	return out, nil
}

// List returns up to limit+1 orders in (created_at DESC, id DESC) order so the
// caller can detect a next page.
func (r *repository) List(ctx context.Context, filter ListFilter, params pagination.Params) ([]models.Order, error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, err
	}

	query := r.DB(ctx).
		Model(&models.Order{}).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("order_items.id ASC") }).
		Preload("Items.Product")
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if cursor != nil {
		query = query.Where(
			"(created_at < ?) OR (created_at = ? AND id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID,
		)
	}

	var orders []models.Order
	err = query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(pagination.LimitWithBuffer(params.Limit)).
		Find(&orders).Error
	return orders, err
}

// ExpiredPendingIDs pages through pending orders whose reservation ended before
// now, in ascending id order starting after the given id.
func (r *repository) ExpiredPendingIDs(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	query := r.DB(ctx).
		Model(&models.Order{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", enums.OrderStatusPending, now)
	if after != uuid.Nil {
		query = query.Where("id > ?", after)
	}
	var ids []uuid.UUID
	err := query.Order("id ASC").Limit(limit).Pluck("id", &ids).Error
	return ids, err
}

// ActiveItemTotals sums reserved quantities per product across orders that
// still hold stock, i.e. every order that is not cancelled.
func (r *repository) ActiveItemTotals(ctx context.Context) ([]RestoredStock, error) {
	var rows []RestoredStock
	err := r.DB(ctx).
		Table("order_items").
		Select("order_items.product_id AS product_id, SUM(order_items.quantity) AS quantity").
		Joins("JOIN orders ON orders.id = order_items.order_id").
		Where("orders.status <> ?", enums.OrderStatusCancelled).
		Group("order_items.product_id").
		Order("order_items.product_id ASC").
		Scan(&rows).Error
	return rows, err
}

// DeleteAll removes every order together with its items, payments and history.
func (r *repository) DeleteAll(ctx context.Context) (ResetSummary, error) {
	var summary ResetSummary
	db := r.DB(ctx).Session(&gorm.Session{AllowGlobalUpdate: true})

	res := db.Delete(&models.OrderStatusHistory{})
	if res.Error != nil {
		return summary, res.Error
	}
	summary.History = res.RowsAffected

	res = db.Delete(&models.Payment{})
	if res.Error != nil {
		return summary, res.Error
	}
	summary.Payments = res.RowsAffected

	res = db.Delete(&models.OrderItem{})
	if res.Error != nil {
		return summary, res.Error
	}
	summary.Items = res.RowsAffected

	res = db.Delete(&models.Order{})
	if res.Error != nil {
		return summary, res.Error
	}
	summary.Orders = res.RowsAffected
	return summary, nil
}

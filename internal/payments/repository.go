package payments

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercadofree/mercadofree-backend/internal/repo"
	"github.com/mercadofree/mercadofree-backend/pkg/db/models"
	"github.com/mercadofree/mercadofree-backend/pkg/pagination"
)

// Repository defines persistence operations for payments.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, payment *models.Payment) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindForUpdate(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	ExistsForOrder(ctx context.Context, orderID uuid.UUID) (bool, error)
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) error
	List(ctx context.Context, userID *uuid.UUID, params pagination.Params) ([]models.Payment, error)
	OrderOwner(ctx context.Context, orderID uuid.UUID) (uuid.UUID, error)
}

type repository struct {
	repo.Base
}

// NewRepository builds a payments repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

func (r *repository) Create(ctx context.Context, payment *models.Payment) error {
	return r.DB(ctx).Create(payment).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := r.DB(ctx).Where("id = ?", id).Take(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) FindForUpdate(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := r.ForUpdate(ctx).Where("id = ?", id).Take(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) ExistsForOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&models.Payment{}).Where("order_id = ?", orderID).Count(&count).Error
	return count > 0, err
}

func (r *repository) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.DB(ctx).Model(&models.Payment{}).Where("id = ?", id).Updates(updates).Error
}

// List returns up to limit+1 payments, newest first. A non-nil userID scopes the
// listing to payments of that user's orders.
func (r *repository) List(ctx context.Context, userID *uuid.UUID, params pagination.Params) ([]models.Payment, error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, err
	}
	query := r.DB(ctx).Model(&models.Payment{})
	if userID != nil {
		query = query.
			Joins("JOIN orders ON orders.id = payments.order_id").
			Where("orders.user_id = ?", *userID)
	}
	if cursor != nil {
		query = query.Where(
			"(payments.created_at < ?) OR (payments.created_at = ? AND payments.id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID,
		)
	}
	var rows []models.Payment
	err = query.
		Order("payments.created_at DESC").
		Order("payments.id DESC").
		Limit(pagination.LimitWithBuffer(params.Limit)).
		Find(&rows).Error
	return rows, err
}

func (r *repository) OrderOwner(ctx context.Context, orderID uuid.UUID) (uuid.UUID, error) {
	var order models.Order
	err := r.DB(ctx).Select("id", "user_id").Where("id = ?", orderID).Take(&order).Error
	return order.UserID, err
}

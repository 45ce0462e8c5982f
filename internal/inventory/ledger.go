// Package inventory guards product stock. Every decrement happens under a row lock
// inside the caller's transaction and is re-checked by a guarded UPDATE, so stock
// can never go negative even if a driver ignores the lock clause.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mercadofree/mercadofree-backend/internal/repo"
	"github.com/mercadofree/mercadofree-backend/pkg/db/models"
	pkgerrors "github.com/mercadofree/mercadofree-backend/pkg/errors"
)

// Line is one requested product and quantity.
type Line struct {
	ProductID uuid.UUID
	Quantity  int
}

// Reservation is a successfully decremented line with the price captured at lock time.
type Reservation struct {
	ProductID   uuid.UUID
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
}

// Shortage describes one line that could not be satisfied.
type Shortage struct {
	ProductID   uuid.UUID `json:"product_id"`
	ProductName string    `json:"product_name"`
	Requested   int       `json:"requested"`
	Available   int       `json:"available"`
	SoldOut     bool      `json:"sold_out"`
}

// Ledger reserves and releases stock inside caller-owned transactions.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Reserve locks one product row and decrements it by qty.
func (l *Ledger) Reserve(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	_, err := l.ReserveAll(ctx, tx, []Line{{ProductID: productID, Quantity: qty}})
	return err
}

// ReserveAll locks every requested product in ascending id order, collects every
// shortage, and only decrements when all lines fit. Duplicate product ids are merged.
// The returned reservations follow the merged request order.
func (l *Ledger) ReserveAll(ctx context.Context, tx *gorm.DB, lines []Line) ([]Reservation, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction required for stock reservation")
	}
	merged, err := mergeLines(lines)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(merged))
	for _, line := range merged {
		ids = append(ids, line.ProductID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	products := make(map[uuid.UUID]models.Product, len(ids))
	for _, id := range ids {
		var product models.Product
		err := repo.NewBase(tx).ForUpdate(ctx).
			Where("id = ?", id).
			Take(&product).Error
		if err != nil {
			if repo.IsNotFound(err) {
				return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "product %s not found or inactive", id)
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock product")
		}
		if !product.IsActive {
			return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "product %s not found or inactive", id)
		}
		products[id] = product
	}

	var shortages []Shortage
	for _, line := range merged {
		product := products[line.ProductID]
		if product.Stock < line.Quantity {
			shortages = append(shortages, Shortage{
				ProductID:   product.ID,
				ProductName: product.Name,
				Requested:   line.Quantity,
				Available:   product.Stock,
				SoldOut:     product.Stock == 0,
			})
		}
	}
	if len(shortages) > 0 {
		return nil, InsufficientStock(shortages)
	}

	reservations := make([]Reservation, 0, len(merged))
	for _, line := range merged {
		if err := decrement(ctx, tx, line.ProductID, line.Quantity); err != nil {
			return nil, err
		}
		product := products[line.ProductID]
		reservations = append(reservations, Reservation{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    line.Quantity,
			UnitPrice:   product.Price,
		})
	}
	return reservations, nil
}

func decrement(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	res := tx.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ? AND stock >= ?", productID, qty).
		UpdateColumn("stock", gorm.Expr("stock - ?", qty))
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "decrement stock")
	}
	if res.RowsAffected != 1 {
		// Only reachable when the row changed between lock and update, i.e. the
		// driver does not honour row locks.
		var product models.Product
		if err := tx.WithContext(ctx).Where("id = ?", productID).Take(&product).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload product")
		}
		return InsufficientStock([]Shortage{{
			ProductID:   product.ID,
			ProductName: product.Name,
			Requested:   qty,
			Available:   product.Stock,
			SoldOut:     product.Stock == 0,
		}})
	}
	return nil
}

// Release returns qty units to a product.
func (l *Ledger) Release(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return nil
	}
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required for stock release")
	}
	res := tx.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ?", productID).
		UpdateColumn("stock", gorm.Expr("stock + ?", qty))
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "release stock")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.Newf(pkgerrors.CodeNotFound, "product %s not found", productID)
	}
	return nil
}

func mergeLines(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one item is required")
	}
	index := make(map[uuid.UUID]int, len(lines))
	merged := make([]Line, 0, len(lines))
	for _, line := range lines {
		if line.ProductID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
		}
		if line.Quantity <= 0 {
			return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "quantity for product %s must be positive", line.ProductID)
		}
		if pos, ok := index[line.ProductID]; ok {
			merged[pos].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged, nil
}

// InsufficientStock builds the domain error carrying every shortage.
func InsufficientStock(shortages []Shortage) *pkgerrors.Error {
	parts := make([]string, 0, len(shortages))
	for _, s := range shortages {
		if s.SoldOut {
			parts = append(parts, fmt.Sprintf("%s is sold out", s.ProductName))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: requested %d, only %d available", s.ProductName, s.Requested, s.Available))
	}
	return pkgerrors.New(pkgerrors.CodeInsufficientStock, "insufficient stock: "+strings.Join(parts, "; ")).
		WithDetails(map[string]any{"items": shortages})
}

// Shortages extracts the shortage list from an InsufficientStock error.
func Shortages(err error) []Shortage {
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeInsufficientStock {
		return nil
	}
	details, ok := typed.Details().(map[string]any)
	if !ok {
		return nil
	}
	items, _ := details["items"].([]Shortage)
	return items
}

package inventory

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mercadofree/mercadofree-backend/pkg/db/dbtest"
	"github.com/mercadofree/mercadofree-backend/pkg/db/models"
	pkgerrors "github.com/mercadofree/mercadofree-backend/pkg/errors"
)

func TestReserveAllDecrementsEveryLine(t *testing.T) {
	conn := dbtest.Open(t)
	shirt := dbtest.SeedProduct(t, conn, "Shirt", 5, "10.00")
	mug := dbtest.SeedProduct(t, conn, "Mug", 3, "7.50")

	var reservations []Reservation
	err := conn.Transaction(func(tx *gorm.DB) error {
		var err error
		reservations, err = NewLedger().ReserveAll(context.Background(), tx, []Line{
			{ProductID: shirt.ID, Quantity: 2},
			{ProductID: mug.ID, Quantity: 3},
		})
		return err
	})
	require.NoError(t, err)
	require.Len(t, reservations, 2)
	assert.Equal(t, shirt.ID, reservations[0].ProductID)
	assert.Equal(t, "10", reservations[0].UnitPrice.String())
	assert.Equal(t, 3, dbtest.Stock(t, conn, shirt.ID))
	assert.Equal(t, 0, dbtest.Stock(t, conn, mug.ID))
}

func TestReserveAllMergesDuplicates(t *testing.T) {
	conn := dbtest.Open(t)
	shirt := dbtest.SeedProduct(t, conn, "Shirt", 5, "10.00")

	var reservations []Reservation
	err := conn.Transaction(func(tx *gorm.DB) error {
		var err error
		reservations, err = NewLedger().ReserveAll(context.Background(), tx, []Line{
			{ProductID: shirt.ID, Quantity: 2},
			{ProductID: shirt.ID, Quantity: 1},
		})
		return err
	})
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	assert.Equal(t, 3, reservations[0].Quantity)
	assert.Equal(t, 2, dbtest.Stock(t, conn, shirt.ID))
}

func TestReserveAllReportsEveryShortageAndChangesNothing(t *testing.T) {
	conn := dbtest.Open(t)
	shirt := dbtest.SeedProduct(t, conn, "Shirt", 5, "10.00")
	mug := dbtest.SeedProduct(t, conn, "Mug", 1, "7.50")
	hat := dbtest.SeedProduct(t, conn, "Cap", 0, "12.00")

	err := conn.Transaction(func(tx *gorm.DB) error {
		_, err := NewLedger().ReserveAll(context.Background(), tx, []Line{
			{ProductID: shirt.ID, Quantity: 2},
			{ProductID: mug.ID, Quantity: 2},
			{ProductID: hat.ID, Quantity: 1},
		})
		return err
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock))
	assert.Contains(t, err.Error(), "Cap is sold out")
	assert.Contains(t, err.Error(), "Mug: requested 2, only 1 available")

	shortages := Shortages(err)
	require.Len(t, shortages, 2)
	byID := map[uuid.UUID]Shortage{}
	for _, s := range shortages {
		byID[s.ProductID] = s
	}
	assert.False(t, byID[mug.ID].SoldOut)
	assert.Equal(t, 1, byID[mug.ID].Available)
	assert.True(t, byID[hat.ID].SoldOut)

	assert.Equal(t, 5, dbtest.Stock(t, conn, shirt.ID))
	assert.Equal(t, 1, dbtest.Stock(t, conn, mug.ID))
}

func TestReserveAllRejectsInvalidLines(t *testing.T) {
	conn := dbtest.Open(t)
	shirt := dbtest.SeedProduct(t, conn, "Shirt", 5, "10.00")
	hidden := dbtest.SeedProduct(t, conn, "Hidden", 5, "10.00")
	require.NoError(t, conn.Model(&models.Product{}).Where("id = ?", hidden.ID).Update("is_active", false).Error)

	cases := map[string][]Line{
		"empty":    nil,
		"zero qty": {{ProductID: shirt.ID, Quantity: 0}},
		"nil id":   {{ProductID: uuid.Nil, Quantity: 1}},
		"unknown":  {{ProductID: uuid.New(), Quantity: 1}},
		"inactive": {{ProductID: hidden.ID, Quantity: 1}},
		"negative": {{ProductID: shirt.ID, Quantity: -2}},
	}
	for name, lines := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewLedger().ReserveAll(context.Background(), conn, lines)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
		})
	}
	assert.Equal(t, 5, dbtest.Stock(t, conn, shirt.ID))
}

func TestReleaseRestoresStock(t *testing.T) {
	conn := dbtest.Open(t)
	shirt := dbtest.SeedProduct(t, conn, "Shirt", 1, "10.00")
	ledger := NewLedger()

	require.NoError(t, ledger.Reserve(context.Background(), conn, shirt.ID, 1))
	assert.Equal(t, 0, dbtest.Stock(t, conn, shirt.ID))

	require.NoError(t, ledger.Release(context.Background(), conn, shirt.ID, 1))
	assert.Equal(t, 1, dbtest.Stock(t, conn, shirt.ID))

	require.NoError(t, ledger.Release(context.Background(), conn, shirt.ID, 0))
	assert.Equal(t, 1, dbtest.Stock(t, conn, shirt.ID))

	err := ledger.Release(context.Background(), conn, uuid.New(), 1)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	conn := dbtest.Open(t)
	shirt := dbtest.SeedProduct(t, conn, "Shirt", 3, "10.00")
	ledger := NewLedger()

	const buyers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		success  int
		shortage int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := conn.Transaction(func(tx *gorm.DB) error {
				return ledger.Reserve(context.Background(), tx, shirt.ID, 1)
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
			} else if pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock) {
				shortage++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, success)
	assert.Equal(t, buyers-3, shortage)
	assert.Equal(t, 0, dbtest.Stock(t, conn, shirt.ID))
}

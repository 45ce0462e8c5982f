package orders

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercadofree/mercadofree-backend/pkg/db/models"
	"github.com/mercadofree/mercadofree-backend/pkg/enums"
)

func TestInstallmentDisplay(t *testing.T) {
	assert.Equal(t, "À vista: R$ 10.00", InstallmentDisplay(decimal.RequireFromString("10"), 1))
	assert.Equal(t, "3x de R$ 3.33", InstallmentDisplay(decimal.RequireFromString("10"), 3))
	assert.Equal(t, "12x de R$ 8.33", InstallmentDisplay(decimal.RequireFromString("99.99"), 12))
	assert.True(t, InstallmentValue(decimal.RequireFromString("20"), 4).Equal(decimal.RequireFromString("5")))
}

func TestTimeRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := now.Add(90 * time.Second)
	order := &models.Order{Status: enums.OrderStatusPending, ExpiresAt: &expires}

	remaining := TimeRemaining(order, now)
	require.NotNil(t, remaining)
	assert.Equal(t, int64(90), *remaining)

	remaining = TimeRemaining(order, now.Add(time.Hour))
	require.NotNil(t, remaining)
	assert.Zero(t, *remaining)
	assert.True(t, order.IsExpired(now.Add(time.Hour)))

	order.Status = enums.OrderStatusPaid
	assert.Nil(t, TimeRemaining(order, now))
	assert.False(t, order.IsExpired(now.Add(time.Hour)))
}

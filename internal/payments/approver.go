package payments

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"

	"github.com/mercadofree/mercadofree-backend/pkg/config"
	"github.com/mercadofree/mercadofree-backend/pkg/db/models"
	"github.com/mercadofree/mercadofree-backend/pkg/enums"
)

// Decision is the outcome of a payment attempt.
type Decision struct {
	Status        enums.PaymentStatus
	TransactionID string
}

// Approver decides payment attempts. No real processor is contacted.
type Approver interface {
	Decide(ctx context.Context, order *models.Order, method enums.PaymentMethod) (Decision, error)
}

// RandomApprover approves a fixed share of attempts.
type RandomApprover struct {
	rate float64
	draw func() float64
}

func NewRandomApprover(rate float64) *RandomApprover {
	return &RandomApprover{rate: rate, draw: rand.Float64}
}

func (a *RandomApprover) Decide(_ context.Context, _ *models.Order, _ enums.PaymentMethod) (Decision, error) {
	if a.draw() < a.rate {
		return Decision{Status: enums.PaymentStatusApproved, TransactionID: newTransactionID()}, nil
	}
	return Decision{Status: enums.PaymentStatusRejected, TransactionID: newTransactionID()}, nil
}

// ManualApprover leaves every attempt pending until SimulateApproval.
type ManualApprover struct{}

func (ManualApprover) Decide(context.Context, *models.Order, enums.PaymentMethod) (Decision, error) {
	return Decision{Status: enums.PaymentStatusPending}, nil
}

// NewApprover picks the approver for the configured mode.
func NewApprover(cfg config.PaymentsConfig) (Approver, error) {
	switch cfg.NormalizedMode() {
	case config.PaymentsModeRandom, "":
		return NewRandomApprover(cfg.ApprovalRate), nil
	case config.PaymentsModeManual:
		return ManualApprover{}, nil
	default:
		return nil, fmt.Errorf("unknown payments mode %q", cfg.Mode)
	}
}

func newTransactionID() string {
	return "TXN-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

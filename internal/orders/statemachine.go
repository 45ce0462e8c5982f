package orders

import (
	"fmt"

	"github.com/mercadofree/mercadofree-backend/pkg/enums"
	pkgerrors "github.com/mercadofree/mercadofree-backend/pkg/errors"
)

// ValidateTransition applies the order lifecycle rules. Forward moves may skip
// states, cancellation is reachable from every non-terminal state, and nothing
// leaves a terminal state or moves backwards.
func ValidateTransition(from, to enums.OrderStatus) error {
	if !to.IsValid() {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "unknown order status %q", to)
	}
	if from.IsTerminal() {
		return invalidTransition(from, to, fmt.Sprintf("order is already %s", from))
	}
	if from == to {
		return invalidTransition(from, to, fmt.Sprintf("order is already %s", from))
	}
	if to == enums.OrderStatusCancelled {
		return nil
	}
	fromRank, ok := from.Rank()
	if !ok {
		return invalidTransition(from, to, fmt.Sprintf("unknown current status %q", from))
	}
	toRank, _ := to.Rank()
	if toRank < fromRank {
		return invalidTransition(from, to, fmt.Sprintf("cannot move order from %s back to %s", from, to))
	}
	return nil
}

func invalidTransition(from, to enums.OrderStatus, message string) error {
	return pkgerrors.New(pkgerrors.CodeInvalidTransition, message).
		WithDetails(map[string]any{"from": from, "to": to})
}

// isRefundable reports whether cancelling from status means money was taken.
func isRefundable(status enums.OrderStatus) bool {
	switch status {
	case enums.OrderStatusPaid, enums.OrderStatusProcessing, enums.OrderStatusReady:
		return true
	default:
		return false
	}
}

package orders

import (
	"github.com/google/uuid"

	"github.com/mercadofree/mercadofree-backend/pkg/db/models"
	"github.com/mercadofree/mercadofree-backend/pkg/enums"
	pkgerrors "github.com/mercadofree/mercadofree-backend/pkg/errors"
	"github.com/mercadofree/mercadofree-backend/pkg/outbox"
)

// Actor is the principal performing an order operation. It is always passed
// explicitly; nothing reads it from ambient request state.
type Actor struct {
	UserID uuid.UUID
	Role   enums.ActorRole
}

// System is the actor for unattended transitions such as reservation expiry.
func System() Actor {
	return Actor{Role: enums.ActorRoleSystem}
}

func Customer(userID uuid.UUID) Actor {
	return Actor{UserID: userID, Role: enums.ActorRoleCustomer}
}

func Staff(userID uuid.UUID) Actor {
	return Actor{UserID: userID, Role: enums.ActorRoleStaff}
}

func (a Actor) IsStaff() bool {
	return a.Role == enums.ActorRoleStaff
}

func (a Actor) IsSystem() bool {
	return a.Role == enums.ActorRoleSystem
}

// Owns reports whether the order was placed by this actor.
func (a Actor) Owns(order *models.Order) bool {
	return order != nil && a.UserID != uuid.Nil && order.UserID == a.UserID
}

// CanAccess reports whether the actor may read or act on the order.
func (a Actor) CanAccess(order *models.Order) bool {
	return a.IsStaff() || a.IsSystem() || a.Owns(order)
}

// Validate rejects actors without an identity.
func (a Actor) Validate() error {
	switch a.Role {
	case enums.ActorRoleSystem:
		return nil
	case enums.ActorRoleCustomer, enums.ActorRoleStaff:
		if a.UserID == uuid.Nil {
			return pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
		}
		return nil
	default:
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "unknown actor role")
	}
}

// ChangedBy is the history attribution; nil for system transitions.
func (a Actor) ChangedBy() *uuid.UUID {
	if a.IsSystem() || a.UserID == uuid.Nil {
		return nil
	}
	id := a.UserID
	return &id
}

func (a Actor) ref() *outbox.ActorRef {
	return &outbox.ActorRef{UserID: a.ChangedBy(), Role: a.Role.String()}
}

package invoice

import (
	"context"
	"time"

	"github.com/payxpay/payxpay/internal/pagination"
)

// Role filters a user's invoice listing.
type Role string

const (
	RoleIssuer Role = "issuer"
	RolePayer  Role = "payer"
	RoleAll    Role = "all"
)

// ListFilter selects one page of a user's invoices, newest first.
type ListFilter struct {
	Role   Role
	Cursor *pagination.Cursor
	Limit  int
}

// Store persists invoice records.
//
// Every mutating write is conditional: RecordPayment only succeeds while no
// payment is stored, SetConfirmed only while confirmation is pending,
// SetPayout only while no payout is stored, and Delete only while neither
// payment nor payout is stored. A condition that does not hold yields
// ErrInvalidState; an unknown id yields ErrNotFound.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	ListByUser(ctx context.Context, userID int64, filter ListFilter) ([]*Record, error)
	// RecordPayment stores the payment, and for direct payments the payout, in one write.
	RecordPayment(ctx context.Context, id string, payment Payment, payout *Payout) error
	SetConfirmed(ctx context.Context, id string, at time.Time) error
	SetPayout(ctx context.Context, id string, payout Payout, confirmation Confirmation) error
	Delete(ctx context.Context, id string) error
}

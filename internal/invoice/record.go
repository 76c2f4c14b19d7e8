package invoice

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MinRejectionReason is the minimum length of a rejection reason, in characters.
const MinRejectionReason = 25

// PaymentMode selects how funds move from payer to issuer.
type PaymentMode string

const (
	PaymentDirect PaymentMode = "direct" // transfer straight to the payout address
	PaymentEscrow PaymentMode = "escrow" // funds held by the escrow contract
)

// Valid reports whether m is a known mode.
func (m PaymentMode) Valid() bool {
	return m == PaymentDirect || m == PaymentEscrow
}

// Confirmation is the issuer's acknowledgement of a payment.
type Confirmation string

const (
	ConfirmationPending   Confirmation = "pending"
	ConfirmationConfirmed Confirmation = "confirmed"
	ConfirmationDenied    Confirmation = "denied" // payer refunded before the issuer confirmed
)

// PayoutKind says how a payment was settled.
type PayoutKind string

const (
	PayoutDirect  PayoutKind = "direct"
	PayoutApprove PayoutKind = "approve"
	PayoutRefund  PayoutKind = "refund"
	PayoutReject  PayoutKind = "reject"
)

// State is the lifecycle position derived from a Record.
type State string

const (
	StateCreated    State = "created"
	StatePaidDirect State = "paid_direct"
	StatePaidEscrow State = "paid_escrow"
	StateConfirmed  State = "confirmed"
	StateApproved   State = "approved"
	StateRejected   State = "rejected"
	StateRefunded   State = "refunded"
)

// Payment is the payer's on-chain transfer reference.
type Payment struct {
	TxRef        string      `json:"txRef"`
	Mode         PaymentMode `json:"mode"`
	PayerID      int64       `json:"payerId"`
	PayerAddress string      `json:"payerAddress,omitempty"`
	RecordedAt   time.Time   `json:"recordedAt"`
}

// Payout is the final settlement of a payment.
type Payout struct {
	Kind            PayoutKind `json:"kind"`
	TxRef           string     `json:"txRef,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	SettledAt       time.Time  `json:"settledAt"`
}

// Record is the persisted state of one invoice.
type Record struct {
	ID           string        `json:"id"`
	Invoice      SignedInvoice `json:"invoice"`
	IssuerID     int64         `json:"issuerId"`
	Payment      *Payment      `json:"payment,omitempty"`
	Confirmation Confirmation  `json:"confirmation"`
	ConfirmedAt  *time.Time    `json:"confirmedAt,omitempty"`
	Payout       *Payout       `json:"payout,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// State derives the lifecycle state.
func (r *Record) State() State {
	switch {
	case r.Payment == nil:
		return StateCreated
	case r.Payment.Mode == PaymentDirect:
		return StatePaidDirect
	case r.Payout != nil && r.Payout.Kind == PayoutApprove:
		return StateApproved
	case r.Payout != nil && r.Payout.Kind == PayoutReject:
		return StateRejected
	case r.Payout != nil && r.Payout.Kind == PayoutRefund:
		return StateRefunded
	case r.Confirmation == ConfirmationConfirmed:
		return StateConfirmed
	default:
		return StatePaidEscrow
	}
}

// IsPaid reports whether a payment has been recorded.
func (r *Record) IsPaid() bool { return r.Payment != nil }

// IsSettled reports whether a payout has been recorded.
func (r *Record) IsSettled() bool { return r.Payout != nil }

// IsIssuer reports whether userID issued the invoice.
func (r *Record) IsIssuer(userID int64) bool { return r.IssuerID == userID }

// IsPayer reports whether userID recorded the payment.
func (r *Record) IsPayer(userID int64) bool {
	return r.Payment != nil && r.Payment.PayerID == userID
}

// Validate rejects field combinations the lifecycle can never produce.
func (r *Record) Validate() error {
	if r.ID == "" || r.ID != r.Invoice.ID {
		return fmt.Errorf("%w: record id must match invoice id", ErrValidation)
	}
	if r.IssuerID != r.Invoice.IssuerID {
		return fmt.Errorf("%w: record issuer must match invoice issuer", ErrValidation)
	}
	switch r.Confirmation {
	case ConfirmationPending, ConfirmationConfirmed, ConfirmationDenied:
	default:
		return fmt.Errorf("%w: unknown confirmation %q", ErrValidation, r.Confirmation)
	}
	if r.Payment == nil && r.Confirmation != ConfirmationPending {
		return fmt.Errorf("%w: confirmation without payment", ErrValidation)
	}
	return validateSettlement(r.Payment, r.Payout)
}

// validateSettlement checks that a payout is consistent with its payment.
func validateSettlement(payment *Payment, payout *Payout) error {
	if payment == nil {
		if payout != nil {
			return fmt.Errorf("%w: payout without payment", ErrValidation)
		}
		return nil
	}
	if !payment.Mode.Valid() {
		return fmt.Errorf("%w: unknown payment mode %q", ErrValidation, payment.Mode)
	}
	if payment.TxRef == "" {
		return fmt.Errorf("%w: payment without tx reference", ErrValidation)
	}
	if payout == nil {
		return nil
	}
	switch payout.Kind {
	case PayoutDirect:
		if payment.Mode != PaymentDirect {
			return fmt.Errorf("%w: direct payout on an escrow payment", ErrValidation)
		}
	case PayoutApprove, PayoutRefund, PayoutReject:
		if payment.Mode != PaymentEscrow {
			return fmt.Errorf("%w: %s payout on a direct payment", ErrValidation, payout.Kind)
		}
	}
	return payout.validate()
}

// validate checks the payout's own fields.
func (p *Payout) validate() error {
	switch p.Kind {
	case PayoutReject:
		if !validReason(p.RejectionReason) {
			return fmt.Errorf("%w: rejection reason must be at least %d characters", ErrValidation, MinRejectionReason)
		}
		return nil
	case PayoutDirect, PayoutApprove, PayoutRefund:
		if p.TxRef == "" {
			return fmt.Errorf("%w: %s payout without tx reference", ErrValidation, p.Kind)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown payout kind %q", ErrValidation, p.Kind)
	}
}

func validReason(reason string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(reason)) >= MinRejectionReason
}

// clone returns a deep copy so callers never share mutable state with a store.
func (r *Record) clone() *Record {
	cp := *r
	if r.Payment != nil {
		p := *r.Payment
		cp.Payment = &p
	}
	if r.Payout != nil {
		p := *r.Payout
		cp.Payout = &p
	}
	if r.ConfirmedAt != nil {
		t := *r.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

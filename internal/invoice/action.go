package invoice

import (
	"fmt"
	"strings"

	"github.com/payxpay/payxpay/internal/validation"
)

// Action is a lifecycle transition request. The set of variants is closed:
// Delete, RecordPayment, Confirm, Approve, Reject and Refund.
type Action interface {
	// Name is the stable action label used in logs, metrics and events.
	Name() string
	// validate checks the request itself, before any state is read.
	validate() error
	// check decides legality against the current record and caller.
	check(rec *Record, caller int64) error
}

// Delete removes an unpaid invoice.
type Delete struct{}

// RecordPayment attaches the payer's transaction to the invoice.
type RecordPayment struct {
	Mode         PaymentMode
	TxRef        string
	PayerAddress string
}

// Confirm is the issuer acknowledging a payment.
type Confirm struct{}

// Approve releases escrowed funds to the issuer.
type Approve struct{}

// Reject refuses a confirmed escrow payment; funds stay in the contract.
type Reject struct {
	Reason string
}

// Refund returns escrowed funds to the payer before confirmation.
type Refund struct{}

func (Delete) Name() string        { return "delete" }
func (RecordPayment) Name() string { return "record_payment" }
func (Confirm) Name() string       { return "confirm" }
func (Approve) Name() string       { return "approve" }
func (Reject) Name() string        { return "reject" }
func (Refund) Name() string        { return "refund" }

func (Delete) validate() error  { return nil }
func (Confirm) validate() error { return nil }
func (Approve) validate() error { return nil }
func (Refund) validate() error  { return nil }

func (a RecordPayment) validate() error {
	if !a.Mode.Valid() {
		return fmt.Errorf("%w: mode must be direct or escrow", ErrValidation)
	}
	if !validation.IsValidTxHash(a.TxRef) {
		return fmt.Errorf("%w: tx hash must be 64 hex characters", ErrValidation)
	}
	if a.PayerAddress != "" && !IsValidAddress(a.PayerAddress) {
		return fmt.Errorf("%w: payer address must be a xion1 address", ErrValidation)
	}
	if a.Mode == PaymentEscrow && a.PayerAddress == "" {
		return fmt.Errorf("%w: escrow payments require the payer address", ErrValidation)
	}
	return nil
}

func (a Reject) validate() error {
	if !validReason(a.Reason) {
		return fmt.Errorf("%w: rejection reason must be at least %d characters", ErrValidation, MinRejectionReason)
	}
	return nil
}

func (Delete) check(rec *Record, caller int64) error {
	if !rec.IsIssuer(caller) {
		return ErrForbidden
	}
	if rec.Payment != nil || rec.Payout != nil {
		return fmt.Errorf("%w: paid invoices cannot be deleted", ErrInvalidState)
	}
	return nil
}

func (RecordPayment) check(rec *Record, _ int64) error {
	if rec.Payment != nil {
		return fmt.Errorf("%w: payment already recorded", ErrInvalidState)
	}
	return nil
}

func (Confirm) check(rec *Record, caller int64) error {
	if rec.Payment == nil {
		return fmt.Errorf("%w: no payment to confirm", ErrInvalidState)
	}
	if !rec.IsIssuer(caller) {
		return ErrForbidden
	}
	if rec.Confirmation != ConfirmationPending {
		return fmt.Errorf("%w: payment is already %s", ErrInvalidState, rec.Confirmation)
	}
	return nil
}

func (Approve) check(rec *Record, caller int64) error {
	if err := checkEscrowPayer(rec, caller); err != nil {
		return err
	}
	if rec.Confirmation != ConfirmationConfirmed {
		return fmt.Errorf("%w: issuer has not confirmed the payment", ErrInvalidState)
	}
	return nil
}

func (Reject) check(rec *Record, caller int64) error {
	if err := checkEscrowPayer(rec, caller); err != nil {
		return err
	}
	if rec.Confirmation != ConfirmationConfirmed {
		return fmt.Errorf("%w: issuer has not confirmed the payment", ErrInvalidState)
	}
	return nil
}

func (Refund) check(rec *Record, caller int64) error {
	if err := checkEscrowPayer(rec, caller); err != nil {
		return err
	}
	if rec.Confirmation == ConfirmationConfirmed {
		return fmt.Errorf("%w: confirmed payments cannot be refunded", ErrInvalidState)
	}
	return nil
}

// checkEscrowPayer holds the preconditions shared by the payer's settlement actions.
func checkEscrowPayer(rec *Record, caller int64) error {
	if rec.Payment == nil {
		return fmt.Errorf("%w: invoice is not paid", ErrInvalidState)
	}
	if !rec.IsPayer(caller) {
		return ErrForbidden
	}
	if rec.Payment.Mode != PaymentEscrow {
		return fmt.Errorf("%w: invoice was paid directly", ErrInvalidState)
	}
	if rec.Payout != nil {
		return ErrAlreadySettled
	}
	return nil
}

// Allowed reports whether caller may apply a to rec right now.
func Allowed(rec *Record, caller int64, a Action) error {
	if err := a.validate(); err != nil {
		return err
	}
	return a.check(rec, caller)
}

// AvailableActions lists the argument-free actions caller may take on rec.
// RecordPayment and Reject are included when their state checks pass.
func AvailableActions(rec *Record, caller int64) []string {
	candidates := []Action{Delete{}, RecordPayment{}, Confirm{}, Approve{}, Reject{}, Refund{}}
	out := make([]string, 0, len(candidates))
	for _, a := range candidates {
		if a.check(rec, caller) == nil {
			out = append(out, a.Name())
		}
	}
	return out
}

// normalizeTxRef upper-cases a hash the way Cosmos nodes report it.
func normalizeTxRef(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}

// Package payment decides whether an on-chain transfer pays a direct-mode
// invoice.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/payxpay/payxpay/internal/invoice"
	"github.com/payxpay/payxpay/internal/rates"
	"github.com/payxpay/payxpay/internal/traces"
	"github.com/payxpay/payxpay/internal/xion"
)

// USDC on Xion, bridged over IBC.
const (
	DefaultDenom    = "ibc/57097251ED81A232CE3C9D899E7C8096D6D87EF84BA203E12E424AA4C9B57A64"
	DefaultDecimals = 6
)

// DefaultMaxRateAge bounds how old an oracle price may be when it is used.
const DefaultMaxRateAge = 200 * time.Second

// DefaultTolerance is the accepted relative deviation from the expected amount.
var DefaultTolerance = decimal.New(1, -2)

var (
	ErrMissingTx           = errors.New("no transaction")
	ErrTxFailed            = errors.New("transaction failed on chain")
	ErrInvoiceExpired      = errors.New("invoice expired before payment")
	ErrPaymentTooEarly     = errors.New("transaction predates the invoice")
	ErrWrongRecipient      = errors.New("no transfer to the payout address in the payment denom")
	ErrUnsupportedCurrency = errors.New("invoice currency has no price feed")
	ErrStaleRate           = errors.New("exchange rate too old")
	ErrAmountMismatch      = errors.New("amount outside tolerance")
)

// RateOracle returns the latest price of a currency in units per USD.
type RateOracle interface {
	GetRate(ctx context.Context, symbol string) (rates.Rate, error)
}

// Config holds the validation parameters.
type Config struct {
	Denom      string
	Decimals   int32
	Tolerance  decimal.Decimal
	MaxRateAge time.Duration
}

// Validator applies the direct payment rule. It implements
// invoice.PaymentValidator.
type Validator struct {
	oracle RateOracle
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewValidator returns a validator; zero config fields take the defaults.
func NewValidator(oracle RateOracle, cfg Config, logger *slog.Logger) *Validator {
	if cfg.Denom == "" {
		cfg.Denom = DefaultDenom
	}
	if cfg.Decimals <= 0 {
		cfg.Decimals = DefaultDecimals
	}
	if !cfg.Tolerance.IsPositive() {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.MaxRateAge <= 0 {
		cfg.MaxRateAge = DefaultMaxRateAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{oracle: oracle, cfg: cfg, logger: logger, now: time.Now}
}

// Check returns nil when tx pays inv. Rule violations wrap both
// invoice.ErrPaymentRejected and the specific reason; oracle failures
// wrap invoice.ErrUpstream.
func (v *Validator) Check(ctx context.Context, inv invoice.Invoice, tx *xion.Tx) error {
	ctx, span := traces.StartSpan(ctx, "payment.Check", traces.InvoiceID(inv.ID))
	defer span.End()
	if tx != nil {
		span.SetAttributes(traces.TxHash(tx.Hash))
	}

	err := v.check(ctx, inv, tx)
	if err != nil {
		traces.Fail(span, err)
		v.logger.Info("payment rejected", "invoice_id", inv.ID, "error", err)
	}
	return err
}

func (v *Validator) check(ctx context.Context, inv invoice.Invoice, tx *xion.Tx) error {
	if tx == nil {
		return reject(ErrMissingTx, "")
	}
	if !tx.Succeeded() {
		return reject(ErrTxFailed, fmt.Sprintf("code %d", tx.Code))
	}
	if !tx.Timestamp.After(inv.IssuedAt()) {
		return reject(ErrPaymentTooEarly, fmt.Sprintf("tx at %s, issued at %s",
			tx.Timestamp.UTC().Format(time.RFC3339), inv.IssuedAt().UTC().Format(time.RFC3339)))
	}
	if inv.Validity.Expired(tx.Timestamp) {
		return reject(ErrInvoiceExpired, "")
	}

	received, ok := tx.ReceivedBy(inv.PayoutAddress, v.cfg.Denom)
	if !ok {
		return reject(ErrWrongRecipient, inv.PayoutAddress)
	}

	rate, err := v.oracle.GetRate(ctx, inv.Symbol())
	switch {
	case errors.Is(err, rates.ErrUnknownSymbol):
		return reject(ErrUnsupportedCurrency, inv.Unit)
	case err != nil:
		return fmt.Errorf("%w: rate for %s: %v", invoice.ErrUpstream, inv.Symbol(), err)
	}
	if age := rate.Age(v.now()); age > v.cfg.MaxRateAge {
		return reject(ErrStaleRate, fmt.Sprintf("%s price is %s old", rate.Symbol, age.Truncate(time.Second)))
	}

	expected, err := ExpectedAmount(inv.Amount, rate.Value(), v.cfg.Decimals)
	if err != nil {
		return reject(ErrAmountMismatch, err.Error())
	}
	got := decimal.NewFromBigInt(received, 0)
	if !WithinTolerance(got, expected, v.cfg.Tolerance) {
		return reject(ErrAmountMismatch, fmt.Sprintf("received %s, expected %s", got, expected))
	}
	return nil
}

// Validate reports whether tx pays inv.
func (v *Validator) Validate(ctx context.Context, inv invoice.Invoice, tx *xion.Tx) bool {
	return v.Check(ctx, inv, tx) == nil
}

// ExpectedAmount converts amount, priced at unitsPerUSD, into base units of
// a token with the given decimals, rounding up.
func ExpectedAmount(amount, unitsPerUSD decimal.Decimal, decimals int32) (decimal.Decimal, error) {
	if !unitsPerUSD.IsPositive() {
		return decimal.Zero, errors.New("non-positive exchange rate")
	}
	if !amount.IsPositive() {
		return decimal.Zero, errors.New("non-positive invoice amount")
	}
	// Division precision is raised so the ceiling sees every digit that matters.
	usd := amount.DivRound(unitsPerUSD, decimals+18)
	return usd.Shift(decimals).Ceil(), nil
}

// WithinTolerance reports whether |received - expected| <= tolerance × expected.
func WithinTolerance(received, expected, tolerance decimal.Decimal) bool {
	if !expected.IsPositive() {
		return false
	}
	return received.Sub(expected).Abs().LessThanOrEqual(expected.Mul(tolerance))
}

func reject(reason error, detail string) error {
	if detail == "" {
		return fmt.Errorf("%w: %w", invoice.ErrPaymentRejected, reason)
	}
	return fmt.Errorf("%w: %w: %s", invoice.ErrPaymentRejected, reason, detail)
}

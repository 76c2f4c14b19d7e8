package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payxpay/payxpay/internal/invoice"
	"github.com/payxpay/payxpay/internal/rates"
	"github.com/payxpay/payxpay/internal/xion"
)

const (
	payoutAddr = "xion1zd9fmwrctq3qtpk4ttrjyssxwrwc04q3ex9c4yqfzzf3wf2lhg7s9lc9ap"
	payerAddr  = "xion1qd9fmwrctq3qtpk4ttrjyssxwrwc04q3ex9c4yqfzzf3wf2lhg7s9lc9aq"
	issuedAt   = int64(1_700_000_000)
)

type stubOracle struct {
	rate rates.Rate
	err  error
}

func (o stubOracle) GetRate(_ context.Context, symbol string) (rates.Rate, error) {
	if o.err != nil {
		return rates.Rate{}, o.err
	}
	r := o.rate
	r.Symbol = symbol
	return r, nil
}

// fixture prices the currency at one unit per USD, so 100 units
// expect 100 USDC (100_000_000 base units).
type fixture struct {
	now    time.Time
	oracle stubOracle
	inv    invoice.Invoice
}

func newFixture() *fixture {
	now := time.Unix(issuedAt+600, 0).UTC()
	return &fixture{
		now:    now,
		oracle: stubOracle{rate: rates.Rate{Price: 1, Expo: 0, PublishTime: now.Add(-10 * time.Second)}},
		inv: invoice.Invoice{
			ID:             "5f0c2a4e-8a53-4d52-9a1c-0f7a3c1b2d3e",
			IssuerID:       42,
			IssueTimestamp: issuedAt,
			Validity:       invoice.NoExpiry(),
			Amount:         decimal.RequireFromString("100"),
			Unit:           "X-TRY",
			PayoutAddress:  payoutAddr,
		},
	}
}

func (f *fixture) validator() *Validator {
	v := NewValidator(f.oracle, Config{}, nil)
	v.now = func() time.Time { return f.now }
	return v
}

func transferTx(at time.Time, recipient, amount string) *xion.Tx {
	return &xion.Tx{
		Hash:      "AB12",
		Timestamp: at,
		Events: []xion.Event{{Type: "transfer", Attributes: []xion.Attribute{
			{Key: "recipient", Value: recipient},
			{Key: "sender", Value: payerAddr},
			{Key: "amount", Value: amount},
		}}},
	}
}

func paidAt(offset time.Duration, base string) *xion.Tx {
	return transferTx(time.Unix(issuedAt, 0).UTC().Add(offset), payoutAddr, base+DefaultDenom)
}

func TestCheck_AcceptsExactAmount(t *testing.T) {
	f := newFixture()
	v := f.validator()
	tx := paidAt(time.Minute, "100000000")

	require.NoError(t, v.Check(context.Background(), f.inv, tx))
	assert.True(t, v.Validate(context.Background(), f.inv, tx))
}

func TestCheck_ToleranceBoundary(t *testing.T) {
	tests := []struct {
		name     string
		received string
		ok       bool
	}{
		{"one percent over", "101000000", true},
		{"just past one percent over", "101000001", false},
		{"one percent under", "99000000", true},
		{"just past one percent under", "98999999", false},
		{"nothing", "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			err := f.validator().Check(context.Background(), f.inv, paidAt(time.Minute, tt.received))
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, invoice.ErrPaymentRejected)
			assert.ErrorIs(t, err, ErrAmountMismatch)
		})
	}
}

func TestCheck_ConvertsWithRate(t *testing.T) {
	f := newFixture()
	// 34 TRY per USD: 100 TRY is 2.941176470588... USD, rounded up to 2941177.
	f.oracle.rate.Price, f.oracle.rate.Expo = 3400000000, -8
	v := f.validator()

	assert.NoError(t, v.Check(context.Background(), f.inv, paidAt(time.Minute, "2941177")))
	assert.NoError(t, v.Check(context.Background(), f.inv, paidAt(time.Minute, "2970588")))
	assert.ErrorIs(t, v.Check(context.Background(), f.inv, paidAt(time.Minute, "2970589")), ErrAmountMismatch)
	assert.ErrorIs(t, v.Check(context.Background(), f.inv, paidAt(time.Minute, "100000000")), ErrAmountMismatch)
}

func TestCheck_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture, tx *xion.Tx) *xion.Tx
		want   error
	}{
		{
			name:   "no tx",
			mutate: func(*fixture, *xion.Tx) *xion.Tx { return nil },
			want:   ErrMissingTx,
		},
		{
			name: "failed tx",
			mutate: func(_ *fixture, tx *xion.Tx) *xion.Tx {
				tx.Code = 5
				return tx
			},
			want: ErrTxFailed,
		},
		{
			name: "tx in the issue second",
			mutate: func(*fixture, *xion.Tx) *xion.Tx {
				return paidAt(0, "100000000")
			},
			want: ErrPaymentTooEarly,
		},
		{
			name: "tx before issue",
			mutate: func(*fixture, *xion.Tx) *xion.Tx {
				return paidAt(-time.Hour, "100000000")
			},
			want: ErrPaymentTooEarly,
		},
		{
			name: "paid after expiry",
			mutate: func(f *fixture, tx *xion.Tx) *xion.Tx {
				f.inv.Validity = invoice.ExpiresAt(issuedAt + 30)
				return tx
			},
			want: ErrInvoiceExpired,
		},
		{
			name: "other recipient",
			mutate: func(*fixture, *xion.Tx) *xion.Tx {
				return transferTx(time.Unix(issuedAt+60, 0), payerAddr, "100000000"+DefaultDenom)
			},
			want: ErrWrongRecipient,
		},
		{
			name: "other denom",
			mutate: func(*fixture, *xion.Tx) *xion.Tx {
				return transferTx(time.Unix(issuedAt+60, 0), payoutAddr, "100000000uxion")
			},
			want: ErrWrongRecipient,
		},
		{
			name: "stale rate",
			mutate: func(f *fixture, tx *xion.Tx) *xion.Tx {
				f.oracle.rate.PublishTime = f.now.Add(-DefaultMaxRateAge - time.Second)
				return tx
			},
			want: ErrStaleRate,
		},
		{
			name: "unsupported currency",
			mutate: func(f *fixture, tx *xion.Tx) *xion.Tx {
				f.oracle.err = rates.ErrUnknownSymbol
				return tx
			},
			want: ErrUnsupportedCurrency,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tx := tt.mutate(f, paidAt(time.Minute, "100000000"))
			err := f.validator().Check(context.Background(), f.inv, tx)
			assert.ErrorIs(t, err, invoice.ErrPaymentRejected)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCheck_RateAtMaxAgeIsAccepted(t *testing.T) {
	f := newFixture()
	f.oracle.rate.PublishTime = f.now.Add(-DefaultMaxRateAge)
	assert.NoError(t, f.validator().Check(context.Background(), f.inv, paidAt(time.Minute, "100000000")))
}

func TestCheck_OracleFailureIsUpstream(t *testing.T) {
	f := newFixture()
	f.oracle.err = errors.New("hermes: status 503")
	err := f.validator().Check(context.Background(), f.inv, paidAt(time.Minute, "100000000"))
	assert.ErrorIs(t, err, invoice.ErrUpstream)
	assert.NotErrorIs(t, err, invoice.ErrPaymentRejected)
}

func TestCheck_SumsSplitTransfers(t *testing.T) {
	f := newFixture()
	tx := paidAt(time.Minute, "60000000")
	tx.Events = append(tx.Events, xion.Event{Type: "transfer", Attributes: []xion.Attribute{
		{Key: "recipient", Value: payoutAddr},
		{Key: "sender", Value: payerAddr},
		{Key: "amount", Value: "40000000" + DefaultDenom},
	}})
	assert.NoError(t, f.validator().Check(context.Background(), f.inv, tx))
}

func TestExpectedAmount(t *testing.T) {
	tests := []struct {
		amount, rate string
		want         string
	}{
		{"100", "1", "100000000"},
		{"100", "34", "2941177"},
		{"1", "3", "333334"},
		{"0.000001", "1", "1"},
		{"0.0000001", "1", "1"},
		{"18.5", "18.5", "1000000"},
	}
	for _, tt := range tests {
		got, err := ExpectedAmount(decimal.RequireFromString(tt.amount), decimal.RequireFromString(tt.rate), 6)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.String(), "%s at %s", tt.amount, tt.rate)
	}

	_, err := ExpectedAmount(decimal.NewFromInt(1), decimal.Zero, 6)
	assert.Error(t, err)
	_, err = ExpectedAmount(decimal.Zero, decimal.NewFromInt(1), 6)
	assert.Error(t, err)
}

func TestWithinTolerance(t *testing.T) {
	tol := DefaultTolerance
	exp := decimal.NewFromInt(1000)
	assert.True(t, WithinTolerance(decimal.NewFromInt(1010), exp, tol))
	assert.True(t, WithinTolerance(decimal.NewFromInt(990), exp, tol))
	assert.False(t, WithinTolerance(decimal.NewFromInt(1011), exp, tol))
	assert.False(t, WithinTolerance(decimal.NewFromInt(989), exp, tol))
	assert.False(t, WithinTolerance(decimal.NewFromInt(0), decimal.Zero, tol))
}

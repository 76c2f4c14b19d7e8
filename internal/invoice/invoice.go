// Package invoice implements signed payment requests and their lifecycle.
//
// Lifecycle:
//  1. Issuer creates an invoice → it is signed with the bot secret and stored
//  2. Payer records a payment → direct (settled immediately) or escrow
//  3. Issuer confirms the payment (escrow: item delivered)
//  4. Payer approves (funds released), rejects (funds stay escrowed) or
//     refunds before confirmation
package invoice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/payxpay/payxpay/internal/validation"
)

// MaxDescriptionLength bounds the free-text description, in characters.
const MaxDescriptionLength = 256

// openValidity is the wire sentinel for an invoice that never expires.
const openValidity = "valid"

// Validity is either an absolute expiry (unix seconds) or open-ended.
type Validity struct {
	expiresAt int64
}

// NoExpiry returns a validity that never lapses.
func NoExpiry() Validity { return Validity{} }

// ExpiresAt returns a validity that lapses after the given unix second.
func ExpiresAt(unix int64) Validity { return Validity{expiresAt: unix} }

// Open reports whether the invoice never expires.
func (v Validity) Open() bool { return v.expiresAt == 0 }

// Unix returns the expiry in unix seconds, or 0 when open.
func (v Validity) Unix() int64 { return v.expiresAt }

// Expired reports whether the validity has lapsed at t.
func (v Validity) Expired(t time.Time) bool {
	return !v.Open() && t.Unix() > v.expiresAt
}

// MarshalJSON encodes an open validity as "valid" and an expiry as a number.
func (v Validity) MarshalJSON() ([]byte, error) {
	if v.Open() {
		return []byte(`"` + openValidity + `"`), nil
	}
	return []byte(strconv.FormatInt(v.expiresAt, 10)), nil
}

// UnmarshalJSON accepts "valid" or a unix timestamp.
func (v *Validity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == `"`+openValidity+`"` || string(data) == "null" {
		*v = NoExpiry()
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || n <= 0 {
		return fmt.Errorf("invoiceValidity must be %q or a positive unix timestamp", openValidity)
	}
	*v = ExpiresAt(n)
	return nil
}

// Invoice is the unsigned fact record of a request for payment.
// Its field set is immutable once signed.
type Invoice struct {
	ID              string
	Description     string
	IssuerID        int64
	IssuerFirstName string
	IssuerLastName  string // optional
	IssuerHandle    string // optional, without the leading @
	IssueTimestamp  int64  // unix seconds
	Validity        Validity
	Amount          decimal.Decimal
	Unit            string // e.g. "X-TRY"
	PayoutAddress   string
}

// wireInvoice fixes the JSON key order. Signatures are computed over this
// encoding, so the field order here must never change.
type wireInvoice struct {
	ID                   string      `json:"id"`
	Description          string      `json:"description"`
	IssuerTelegramID     int64       `json:"issuerTelegramId"`
	IssuerFirstName      string      `json:"issuerFirstName"`
	IssuerLastName       *string     `json:"issuerLastName"`
	IssuerTelegramHandle *string     `json:"issuerTelegramHandle"`
	IssueDate            int64       `json:"issueDate"`
	InvoiceValidity      Validity    `json:"invoiceValidity"`
	Amount               json.Number `json:"amount"`
	Unit                 string      `json:"unit"`
	Address              string      `json:"address"`
}

func (inv Invoice) wire() wireInvoice {
	return wireInvoice{
		ID:                   inv.ID,
		Description:          inv.Description,
		IssuerTelegramID:     inv.IssuerID,
		IssuerFirstName:      inv.IssuerFirstName,
		IssuerLastName:       optional(inv.IssuerLastName),
		IssuerTelegramHandle: optional(inv.IssuerHandle),
		IssueDate:            inv.IssueTimestamp,
		InvoiceValidity:      inv.Validity,
		Amount:               json.Number(inv.Amount.String()),
		Unit:                 inv.Unit,
		Address:              inv.PayoutAddress,
	}
}

func (w wireInvoice) invoice() (Invoice, error) {
	amount, err := decimal.NewFromString(w.Amount.String())
	if err != nil {
		return Invoice{}, fmt.Errorf("amount: %w", err)
	}
	return Invoice{
		ID:              w.ID,
		Description:     w.Description,
		IssuerID:        w.IssuerTelegramID,
		IssuerFirstName: w.IssuerFirstName,
		IssuerLastName:  deref(w.IssuerLastName),
		IssuerHandle:    deref(w.IssuerTelegramHandle),
		IssueTimestamp:  w.IssueDate,
		Validity:        w.InvoiceValidity,
		Amount:          amount,
		Unit:            w.Unit,
		PayoutAddress:   w.Address,
	}, nil
}

// MarshalJSON encodes the invoice in its canonical key order.
func (inv Invoice) MarshalJSON() ([]byte, error) {
	return marshalNoEscape(inv.wire())
}

// UnmarshalJSON decodes the canonical wire form.
func (inv *Invoice) UnmarshalJSON(data []byte) error {
	var w wireInvoice
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	decoded, err := w.invoice()
	if err != nil {
		return err
	}
	*inv = decoded
	return nil
}

// Symbol returns the currency symbol of the unit label ("X-TRY" → "TRY").
func (inv Invoice) Symbol() string {
	_, symbol, ok := strings.Cut(inv.Unit, "-")
	if !ok {
		return strings.TrimSpace(inv.Unit)
	}
	return strings.TrimSpace(symbol)
}

// IssuedAt returns the issue timestamp as a time.
func (inv Invoice) IssuedAt() time.Time {
	return time.Unix(inv.IssueTimestamp, 0).UTC()
}

// IssuerDisplayName joins the issuer's first and last name.
func (inv Invoice) IssuerDisplayName() string {
	return strings.TrimSpace(inv.IssuerFirstName + " " + inv.IssuerLastName)
}

// Validate checks the invoice's field constraints.
func (inv Invoice) Validate() error {
	switch {
	case inv.ID == "":
		return fmt.Errorf("%w: id is required", ErrValidation)
	case utf8.RuneCountInString(inv.Description) > MaxDescriptionLength:
		return fmt.Errorf("%w: description exceeds %d characters", ErrValidation, MaxDescriptionLength)
	case inv.IssuerID <= 0:
		return fmt.Errorf("%w: issuer id is required", ErrValidation)
	case strings.TrimSpace(inv.IssuerFirstName) == "":
		return fmt.Errorf("%w: issuer first name is required", ErrValidation)
	case inv.IssueTimestamp <= 0:
		return fmt.Errorf("%w: issue timestamp is required", ErrValidation)
	case !inv.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	case !validation.IsValidUnit(inv.Unit):
		return fmt.Errorf("%w: unit must look like X-TRY", ErrValidation)
	case !IsValidAddress(inv.PayoutAddress):
		return fmt.Errorf("%w: payout address must be a xion1 address", ErrValidation)
	case !inv.Validity.Open() && inv.Validity.Unix() <= inv.IssueTimestamp:
		return fmt.Errorf("%w: validity must be after the issue date", ErrValidation)
	}
	return nil
}

// SignedInvoice is an Invoice plus the authentication tag produced at creation.
type SignedInvoice struct {
	Invoice
	Signature string
}

type wireSignedInvoice struct {
	wireInvoice
	Signature string `json:"signature"`
}

// MarshalJSON encodes the invoice fields followed by "signature".
func (s SignedInvoice) MarshalJSON() ([]byte, error) {
	return marshalNoEscape(wireSignedInvoice{wireInvoice: s.Invoice.wire(), Signature: s.Signature})
}

// UnmarshalJSON decodes the invoice fields and its signature.
func (s *SignedInvoice) UnmarshalJSON(data []byte) error {
	var w wireSignedInvoice
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	inv, err := w.wireInvoice.invoice()
	if err != nil {
		return err
	}
	*s = SignedInvoice{Invoice: inv, Signature: w.Signature}
	return nil
}

// Encode returns the URL-escaped JSON form shared through Telegram links.
func Encode(s SignedInvoice) (string, error) {
	data, err := s.MarshalJSON()
	if err != nil {
		return "", err
	}
	return url.PathEscape(string(data)), nil
}

// Decode parses the output of Encode.
func Decode(encoded string) (SignedInvoice, error) {
	raw, err := url.PathUnescape(strings.TrimSpace(encoded))
	if err != nil {
		return SignedInvoice{}, fmt.Errorf("%w: invoice is not URL encoded", ErrValidation)
	}
	var s SignedInvoice
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return SignedInvoice{}, fmt.Errorf("%w: invoice is not valid JSON: %v", ErrValidation, err)
	}
	return s, nil
}

// NewID returns a fresh invoice identifier.
func NewID() string {
	return uuid.NewString()
}

// ShareLink is the bot deep link that opens invoice id in the Mini-App.
func ShareLink(botUsername, id string) string {
	return "https://t.me/" + url.PathEscape(botUsername) + "?start=invoice=" + url.QueryEscape(id)
}

// IsValidAddress reports whether addr looks like a Xion bech32 account.
func IsValidAddress(addr string) bool {
	return validation.IsValidXionAddress(addr)
}

// marshalNoEscape encodes v the way JSON.stringify does: no HTML escaping,
// and U+2028/U+2029 written as raw runes rather than \u escapes.
func marshalNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return unescapeLineSeparators(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// unescapeLineSeparators rewrites the \u2028 and \u2029 escapes that
// encoding/json always emits. Escape pairs are consumed whole so an escaped
// backslash followed by literal "u2028" text is left alone.
func unescapeLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 >= len(b) {
			out = append(out, b[i])
			continue
		}
		if i+5 < len(b) && string(b[i+1:i+5]) == "u202" && (b[i+5] == '8' || b[i+5] == '9') {
			if b[i+5] == '8' {
				out = append(out, "\u2028"...)
			} else {
				out = append(out, "\u2029"...)
			}
			i += 5
			continue
		}
		out = append(out, b[i], b[i+1])
		i++
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

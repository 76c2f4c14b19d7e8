package invoice

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Signer authenticates invoices with HMAC-SHA256 over their canonical JSON.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer keyed by the bot secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Canonical returns the exact bytes that are signed for inv.
func Canonical(inv Invoice) ([]byte, error) {
	return inv.MarshalJSON()
}

// Sign returns the lowercase hex HMAC of the canonical encoding.
// An invoice that cannot be encoded yields an empty signature, which
// never verifies.
func (s *Signer) Sign(inv Invoice) string {
	data, err := Canonical(inv)
	if err != nil {
		return ""
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature authenticates inv.
func (s *Signer) Verify(inv Invoice, signature string) bool {
	if len(signature) != sha256.Size*2 {
		return false
	}
	expected := s.Sign(inv)
	if expected == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// SignInvoice attaches a signature to inv.
func (s *Signer) SignInvoice(inv Invoice) SignedInvoice {
	return SignedInvoice{Invoice: inv, Signature: s.Sign(inv)}
}

// VerifySigned checks the signature carried by si.
func (s *Signer) VerifySigned(si SignedInvoice) bool {
	return s.Verify(si.Invoice, si.Signature)
}

// Package validation provides request validation helpers for the HTTP API.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (64KB). Invoices and
// init-data strings are small.
const MaxRequestSize = 64 << 10

var (
	// xionAddressRegex matches bech32 account and contract addresses.
	xionAddressRegex = regexp.MustCompile(`^xion1[02-9ac-hj-np-z]{38,58}$`)
	txHashRegex      = regexp.MustCompile(`^[0-9A-Fa-f]{64}$`)
	unitRegex        = regexp.MustCompile(`^[A-Za-z]+\s*-\s*[A-Z]{3,5}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidXionAddress checks a bech32 xion1… address.
func IsValidXionAddress(addr string) bool {
	return xionAddressRegex.MatchString(addr)
}

// IsValidTxHash checks a 32-byte hex tx hash.
func IsValidTxHash(hash string) bool {
	return txHashRegex.MatchString(hash)
}

// IsValidUnit checks a currency label such as "X-TRY".
func IsValidUnit(unit string) bool {
	return unitRegex.MatchString(unit)
}

// SanitizeString trims whitespace, drops NUL bytes and cuts to maxLen runes.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if utf8.RuneCountInString(s) > maxLen {
		s = string([]rune(s)[:maxLen])
	}
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-blank.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks an optional xion address field.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidXionAddress(value) {
			return &ValidationError{Field: field, Message: "must be a xion1 address"}
		}
		return nil
	}
}

// ValidTxHash checks an optional tx hash field.
func ValidTxHash(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidTxHash(value) {
			return &ValidationError{Field: field, Message: "must be 64 hex characters"}
		}
		return nil
	}
}

// ValidUnit checks an optional currency label field.
func ValidUnit(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidUnit(value) {
			return &ValidationError{Field: field, Message: "must look like X-TRY"}
		}
		return nil
	}
}

// MaxLength checks that a field has at most max characters.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if utf8.RuneCountInString(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// MinLength checks that a trimmed field has at least min characters.
func MinLength(field, value string, min int) func() *ValidationError {
	return func() *ValidationError {
		if utf8.RuneCountInString(strings.TrimSpace(value)) < min {
			return &ValidationError{Field: field, Message: "is too short"}
		}
		return nil
	}
}

// ValidAmount checks an optional positive decimal amount.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		d, err := decimal.NewFromString(value)
		if err != nil || strings.ContainsAny(value, "eE") {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if !d.IsPositive() {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// Abort writes the standard 400 body for validation failures.
func Abort(c *gin.Context, errs ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

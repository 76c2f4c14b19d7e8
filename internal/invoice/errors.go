package invoice

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("invoice not found")
	ErrValidation      = errors.New("invalid invoice request")
	ErrForbidden       = errors.New("not authorized for this invoice operation")
	ErrInvalidState    = errors.New("invalid invoice state for this operation")
	ErrAlreadySettled  = fmt.Errorf("%w: invoice already settled", ErrInvalidState)
	ErrDuplicate       = errors.New("invoice or payment transaction already recorded")
	ErrPaymentRejected = errors.New("payment rejected")
	ErrBadSignature    = errors.New("invoice signature mismatch")
	ErrUpstream        = errors.New("upstream service failure")
)

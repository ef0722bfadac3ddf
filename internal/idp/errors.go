package idp

import (
	"errors"
	"fmt"
)

var (
	ErrTokenAcquisition = errors.New("token acquisition failed")
	ErrMissingConfig    = errors.New("identity provider configuration incomplete")
)

// TokenAcquisitionError carries the proximate cause of a failed token
// request and, for HTTP failures, the status and body returned by the
// identity provider.
type TokenAcquisitionError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TokenAcquisitionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", ErrTokenAcquisition, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %s", ErrTokenAcquisition, e.Err)
}

func (e *TokenAcquisitionError) Unwrap() []error {
	return []error{ErrTokenAcquisition, e.Err}
}

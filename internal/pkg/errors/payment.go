package xerrors

import (
	"errors"
	"fmt"
)

// Payment lifecycle error classes. The typed errors below unwrap to these so
// callers can branch with errors.Is without caring about the details.
var (
	ErrAuthentication       = errors.New("provider authentication failed")
	ErrProviderRejected     = errors.New("provider rejected request")
	ErrMalformedCallback    = errors.New("malformed callback")
	ErrStaleCallbackIgnored = errors.New("callback ignored: transaction already in a terminal state")
)

// InvalidInputError is returned for malformed phone numbers or amounts before
// anything is written.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

// AuthenticationError means no provider access token could be obtained.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("provider authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() []error { return []error{ErrAuthentication, e.Err} }

// ProviderRejectedError carries the provider's non-zero response to a push request.
type ProviderRejectedError struct {
	TransactionID string
	Code          string
	Message       string
}

func (e *ProviderRejectedError) Error() string {
	return fmt.Sprintf("provider rejected transaction %s: code=%s message=%s", e.TransactionID, e.Code, e.Message)
}

func (e *ProviderRejectedError) Unwrap() error { return ErrProviderRejected }

// UnknownTransactionError is returned when a callback or verification names a
// transaction that does not exist.
type UnknownTransactionError struct {
	Key   string
	Value string
}

func (e *UnknownTransactionError) Error() string {
	return fmt.Sprintf("no transaction with %s=%q", e.Key, e.Value)
}

func (e *UnknownTransactionError) Unwrap() error { return ErrNotFound }

// MalformedCallbackError is returned when a callback body does not have the
// expected envelope or contradicts the stored record.
type MalformedCallbackError struct {
	TransactionID string
	Reason        string
	Err           error
}

func (e *MalformedCallbackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed callback for %s: %s: %v", e.TransactionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed callback for %s: %s", e.TransactionID, e.Reason)
}

func (e *MalformedCallbackError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedCallback, e.Err}
	}
	return []error{ErrMalformedCallback}
}

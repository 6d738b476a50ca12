package metering

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the metering service.
var (
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrUnknownFeature          = errors.New("unknown feature")
	ErrUnknownTopupProduct     = errors.New("unknown topup product")
	ErrUnknownReferral         = errors.New("unknown referral")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidFeatureKey       = errors.New("invalid feature key")
	ErrInvalidSourceKey        = errors.New("invalid source key")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidCreditAmount     = errors.New("invalid credit amount")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidBalance          = errors.New("invalid balance")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidRegistryConfig   = errors.New("invalid registry config")
)

// InsufficientCreditsError carries the shortfall so callers can prompt a
// purchase. It matches ErrInsufficientCredits under errors.Is.
type InsufficientCreditsError struct {
	Required  CreditAmount
	Available CreditAmount
}

// Error returns the formatted error message.
func (insufficient InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", insufficient.Required, insufficient.Available)
}

// Is matches the ErrInsufficientCredits sentinel.
func (insufficient InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// OperationError wraps a failure with a stable operation code. Store
// implementations use it so engine-specific errors never leak to callers.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

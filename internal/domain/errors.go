package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured application error with HTTP status code.
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error constructors.

func ErrNotFound(msg string) *AppError {
	return &AppError{Code: http.StatusNotFound, Message: msg}
}

func ErrUnauthorized(msg string) *AppError {
	return &AppError{Code: http.StatusUnauthorized, Message: msg}
}

func ErrBadRequest(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func ErrValidation(msg string) *AppError {
	return &AppError{Code: http.StatusUnprocessableEntity, Message: msg}
}

func ErrUnprocessable(msg string, err error) *AppError {
	return &AppError{Code: http.StatusUnprocessableEntity, Message: msg, Err: err}
}

func ErrSignature(err error) *AppError {
	return &AppError{Code: http.StatusUnauthorized, Message: "invalid signature", Err: err}
}

func ErrConflict(msg string, err error) *AppError {
	return &AppError{Code: http.StatusConflict, Message: msg, Err: err}
}

func ErrUnavailable(msg string, err error) *AppError {
	return &AppError{Code: http.StatusServiceUnavailable, Message: msg, Err: err}
}

func ErrInternal(msg string, err error) *AppError {
	return &AppError{Code: http.StatusInternalServerError, Message: msg, Err: err}
}

// AsAppError attempts to extract an AppError from an error chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Billing failure conditions. Services wrap these with %w so callers can use errors.Is.
var (
	ErrInvalidSignature       = errors.New("invalid webhook signature")
	ErrEmptySelection         = errors.New("no eligible time entries")
	ErrImmutableInvoice       = errors.New("invoice is no longer a draft")
	ErrInvoiceNumberCollision = errors.New("invoice number already in use")
	ErrInvalidTransition      = errors.New("status transition not allowed")
	ErrSubscriptionExists     = errors.New("tenant already has a live subscription")
	ErrPlanNotFound           = errors.New("plan not found")
)

// ResolutionError reports an event whose subscription or tenant could not be
// resolved. The event stays pending in the ledger.
type ResolutionError struct {
	ProviderEventID        string
	ProviderSubscriptionID string
	TenantHint             string
	Reason                 string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve event %s (subscription %q, tenant hint %q): %s",
		e.ProviderEventID, e.ProviderSubscriptionID, e.TenantHint, e.Reason)
}

// IsResolutionError reports whether err carries a ResolutionError.
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

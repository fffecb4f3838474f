// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable, client-visible classification of a failure.
type ErrorCode string

const (
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	CodeNoRecipients     ErrorCode = "NO_RECIPIENTS"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeNotCancellable   ErrorCode = "NOT_CANCELLABLE"
	CodeDeliveryFailed   ErrorCode = "DELIVERY_FAILED"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// AppError is a structured error returned by the control operations.
type AppError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Retryable bool      `json:"retryable"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrCampaignNotFound is returned when a campaign id does not exist
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// ErrQueueItemNotFound is returned when a queue item id does not exist
type ErrQueueItemNotFound struct {
	ItemID int64
}

func (e *ErrQueueItemNotFound) Error() string {
	return fmt.Sprintf("queue item with ID %d not found", e.ItemID)
}

func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

func NewQueueItemNotFound(id int64) error {
	return &ErrQueueItemNotFound{ItemID: id}
}

// NewValidationError reports a malformed request; nothing was persisted.
func NewValidationError(details string) error {
	return &AppError{
		Code:    CodeValidationFailed,
		Message: "invalid request",
		Details: details,
	}
}

// NewNoRecipients reports that recipient resolution produced an empty set.
func NewNoRecipients() error {
	return &AppError{
		Code:    CodeNoRecipients,
		Message: "no recipients",
		Details: "no eligible recipients remain after deduplication and unsubscribe filtering",
	}
}

// NewNotCancellable reports an attempt to cancel a record that already
// reached a terminal state.
func NewNotCancellable(kind string, id int64, status string) error {
	return &AppError{
		Code:    CodeNotCancellable,
		Message: fmt.Sprintf("%s %d cannot be cancelled", kind, id),
		Details: fmt.Sprintf("current status is %q", status),
	}
}

func NewDeliveryError(details string) error {
	return &AppError{
		Code:      CodeDeliveryFailed,
		Message:   "delivery failed",
		Details:   details,
		Retryable: true,
	}
}

// IsValidation reports whether err rejects the caller's input. NoRecipients
// counts as a validation failure.
func IsValidation(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeValidationFailed || appErr.Code == CodeNoRecipients
	}
	return false
}

func IsNotFound(err error) bool {
	var campaignErr *ErrCampaignNotFound
	var itemErr *ErrQueueItemNotFound
	return errors.As(err, &campaignErr) || errors.As(err, &itemErr)
}

func IsNotCancellable(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == CodeNotCancellable
}

// CodeOf maps any error onto its ErrorCode; unknown errors are internal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	if IsNotFound(err) {
		return CodeNotFound
	}
	return CodeInternal
}

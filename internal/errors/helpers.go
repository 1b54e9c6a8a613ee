package errors

import (
	"fmt"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewSendFailure wraps a store send error as a retryable transient failure.
// The pipeline surfaces it as delivery state on the message, never as a panic
// or an error on an unrelated call path.
func NewSendFailure(conversationID string, err error) *AppError {
	return WrapRetryable(err, ErrCodeSendTransient, "message send failed").
		WithContext("conversation_id", conversationID).
		WithUserMessage("Message could not be sent. Tap to retry.")
}

// NewStaleFetchFailure wraps a pagination error; loaded history is preserved
func NewStaleFetchFailure(conversationID string, err error) *AppError {
	return WrapRetryable(err, ErrCodeStaleFetch, "history page fetch failed").
		WithContext("conversation_id", conversationID).
		WithUserMessage("Could not load older messages")
}

// NewMalformedPayload marks an inbound channel event that failed to decode.
// Callers drop the event after logging.
func NewMalformedPayload(eventType string, err error) *AppError {
	return Wrap(err, ErrCodeMalformedPayload, "inbound event payload does not match expected shape").
		WithContext("event_type", eventType)
}

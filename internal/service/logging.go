package service

import (
	"coachchat/internal/privacy"
)

// Standard Field Names
// Use these exact field names for consistency across all logging calls
const (
	// Core identifiers
	LogFieldConversationID = "conversation_id"
	LogFieldMessageID      = "message_id"
	LogFieldUserID         = "user_id"
	LogFieldTempID         = "temp_id"

	// Service and operation fields
	LogFieldComponent = "component"
	LogFieldOperation = "operation"
	LogFieldMethod    = "method"

	// Message and event fields
	LogFieldEvent         = "event"
	LogFieldEventType     = "event_type"
	LogFieldDeliveryState = "delivery_state"
	LogFieldDirection     = "direction" // "incoming" or "outgoing"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"

	// Network fields
	LogFieldURL        = "url"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldStatusCode = "status_code"
	LogFieldUserAgent  = "user_agent"
	LogFieldRequestID  = "request_id"
	LogFieldTraceID    = "trace_id"

	// Error and debugging
	LogFieldErrorCode  = "error_code"
	LogFieldRetryCount = "retry_count"
	LogFieldAttempt    = "attempt"
)

// SanitizeUserID masks a user id for log output, keeping only the tail.
func SanitizeUserID(userID string) string {
	return privacy.MaskUserID(userID)
}

// SanitizeMessageID shortens message ids for log output
func SanitizeMessageID(msgID string) string {
	return privacy.MaskMessageID(msgID)
}

// SanitizeContent never logs message bodies, only the length
func SanitizeContent(content string) int {
	return len(content)
}

package chatserver

import "fmt"

// Error codes carried by message_error events.
const (
	CodeValidation   = "validation_failed"
	CodeUnauthorized = "not_a_member"
	CodeUnknownEvent = "unknown_event"
	CodeInternal     = "internal_error"
)

// ValidationError reports a structurally invalid inbound event. It is
// delivered to the offending sender only and never broadcast.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthorizationError reports an operation the connection is not entitled to,
// such as sending into a room it never joined.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return e.Reason
}

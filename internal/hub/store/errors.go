package store

import (
	"errors"
	"fmt"
)

// Error codes surfaced to callers. Invariant violations fail the whole
// append; none of these are retryable.
const (
	CodeConversationNotFound   = "CONVERSATION_NOT_FOUND"
	CodeConversationClosed     = "CONVERSATION_CLOSED"
	CodeTurnClosed             = "TURN_CLOSED"
	CodeTurnNotFound           = "TURN_NOT_FOUND"
	CodeNoOpenTurn             = "NO_OPEN_TURN"
	CodeInvalidFinalityForType = "INVALID_FINALITY_FOR_TYPE"
	CodeInvalidPayload         = "INVALID_PAYLOAD"
	CodeClaimContended         = "CLAIM_CONTENDED"
	CodeNotFound               = "NOT_FOUND"
)

// Error is a domain failure with a stable machine-readable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds a coded error with a formatted message.
func Errf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the domain code from err, or "" if err is not a
// store error.
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

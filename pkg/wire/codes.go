package wire

import "fmt"

// ErrorCode is the stable machine-readable code carried by error frames.
type ErrorCode string

const (
	// CodeAuthRequired rejects frames received before set-key.
	CodeAuthRequired ErrorCode = "AUTH_REQUIRED"

	// CodePermissionDenied rejects operations below the required permission.
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// CodeNotFound covers missing and soft-deleted entities and invites.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeInviteExpired covers expiry, use caps and explicit invalidation.
	CodeInviteExpired ErrorCode = "INVITE_EXPIRED"

	// CodeConflict covers invariant violations such as folder move cycles.
	CodeConflict ErrorCode = "CONFLICT"

	// CodeValidation covers malformed payloads and length violations.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeRateLimited signals the per-session sliding window is exhausted.
	CodeRateLimited ErrorCode = "RATE_LIMITED"

	// CodeTransient signals a persistence or adapter failure worth retrying.
	CodeTransient ErrorCode = "TRANSIENT"
)

// Error is the typed error reply shared by every JSON endpoint. It is a
// frame, not a Go error; frame-level failures stay on the wire.
type Error struct {
	Type    string    `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewError builds an error frame with the given code and message.
func NewError(code ErrorCode, message string) Error {
	return Error{Type: MsgError, Code: code, Message: message}
}

// NewErrorf builds an error frame with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...interface{}) Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

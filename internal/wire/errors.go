package wire

// Code classifies a protocol-level failure. Codes are stable wire values; the
// messages beside them are the canonical client-facing strings.
type Code string

const (
	CodeAuth       Code = "auth_error"
	CodeRoomClosed Code = "room_closed"
	CodeCapacity   Code = "capacity_exceeded"
	CodePermission Code = "permission_denied"
	CodeValidation Code = "validation_error"
	CodeConflict   Code = "conflict"
	CodeStorage    Code = "transient_storage"
	CodeNotFound   Code = "not_found"
	CodeRateLimit  Code = "rate_limited"
	CodeInternal   Code = "internal_error"
)

// Error couples a protocol code with a client-facing message. Handlers compare
// on Code; clients display Message verbatim.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// Is reports whether target is a *Error with the same code, so handlers can use
// errors.Is against the canonical values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError builds a protocol error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Canonical protocol errors. The message strings are part of the client
// contract and must not be reworded.
var (
	ErrRoomClosed       = NewError(CodeRoomClosed, "The chat room is either closed or doesn't exist.")
	ErrAlreadyClaimed   = NewError(CodeConflict, "This chat is already claimed.")
	ErrMaxCapacity      = NewError(CodeCapacity, "This chat has already reached the max capacity.")
	ErrPermissionDenied = NewError(CodePermission, "You are not allowed to perform this action.")
	ErrUnauthorized     = NewError(CodeAuth, "Invalid or expired credentials.")
)

// ValidationError reports a missing or invalid field by name.
func ValidationError(field string) *Error {
	return NewError(CodeValidation, "Missing or invalid field: "+field)
}

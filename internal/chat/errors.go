package chat

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is the failure type every chat operation returns. Message is safe
// to show to clients; Err carries the internal cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var chatErr *Error
	if errors.As(err, &chatErr) {
		return chatErr.Kind
	}
	return 0
}

func validationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: "VALIDATION_ERROR", Message: fmt.Sprintf(format, args...)}
}

func forbiddenError() *Error {
	return &Error{Kind: KindForbidden, Code: "FORBIDDEN", Message: "Forbidden"}
}

func notFoundError(what string) *Error {
	return &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: what + " not found"}
}

func storageError(op string, err error) *Error {
	return &Error{Kind: KindStorage, Code: "STORAGE_ERROR", Message: "Storage error", Err: fmt.Errorf("%s: %w", op, err)}
}

package app

import (
	"errors"
	"net/http"
	"strings"

	"petlify/api/internal/access"
	"petlify/api/internal/auth"
	"petlify/api/internal/authpw"
	"petlify/api/internal/chat"
	"petlify/api/internal/store"
)

var chatStatus = map[chat.Kind]int{
	chat.KindValidation:   http.StatusBadRequest,
	chat.KindUnauthorized: http.StatusUnauthorized,
	chat.KindForbidden:    http.StatusForbidden,
	chat.KindNotFound:     http.StatusNotFound,
	chat.KindStorage:      http.StatusInternalServerError,
}

// mapError converts a service error into status, code and a message that
// is safe to show to clients.
func mapError(err error) (status int, code, message string) {
	var chatErr *chat.Error
	if errors.As(err, &chatErr) {
		status, ok := chatStatus[chatErr.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		return status, chatErr.Code, chatErr.Message
	}

	switch {
	case errors.Is(err, authpw.ErrInvalidInput):
		return http.StatusBadRequest, "VALIDATION_ERROR", strings.TrimPrefix(err.Error(), authpw.ErrInvalidInput.Error()+": ")
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered"
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password"
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"
	case errors.Is(err, access.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found"
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error"
}

package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random UUID string, the identifier format of threads,
// messages and attachments.
func NewID() string {
	return uuid.NewString()
}

// NewRequestID returns a compact random id for request correlation.
func NewRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsID reports whether value parses as a UUID.
func IsID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

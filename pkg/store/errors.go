package store

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrDuplicateWink marks a repeated interest signal for the same pair.
	// Callers surface a friendly notice, never a hard failure.
	ErrDuplicateWink = errors.New("wink already sent")

	ErrMessageNotFound      = errors.New("message not found")
	ErrConversationNotFound = errors.New("conversation not found")
)

const uniqueViolationCode = "23505"

// IsUniqueViolation reports whether err is a Postgres unique-constraint error.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolationCode
}

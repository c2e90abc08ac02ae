package service

import (
	"errors"

	"github.com/theodi/learning-orchestrator-sub000/internal/moodle"
)

var (
	// ErrValidation covers missing or malformed input (email, course id).
	ErrValidation = errors.New("validation failed")

	// ErrInvalidToken is returned for an unknown verification token.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrAlreadyEnrolled is returned when a verification flow is re-run
	// against a record that already completed.
	ErrAlreadyEnrolled = errors.New("enrollment already completed")
)

// IsExternal reports whether err originates from the Moodle gateway
// (unreachable service or exception payload).
func IsExternal(err error) bool {
	var apiErr *moodle.APIError
	return errors.As(err, &apiErr)
}

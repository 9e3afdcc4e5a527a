package services

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/lib/pq"
)

// Error kinds surfaced to HTTP callers. Handlers map them to status codes
// with errors.Is; anything else is reported as an internal error.
var (
	ErrAuth          = errors.New("unauthorized")
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrConfiguration = errors.New("configuration error")
	ErrTransient     = errors.New("transient failure")
)

// BridgeError carries a caller-safe message alongside its kind
type BridgeError struct {
	Kind    error
	Message string
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *BridgeError) Unwrap() error {
	return e.Kind
}

func authError(format string, args ...interface{}) error {
	return &BridgeError{Kind: ErrAuth, Message: fmt.Sprintf(format, args...)}
}

func validationError(format string, args ...interface{}) error {
	return &BridgeError{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(format string, args ...interface{}) error {
	return &BridgeError{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func configurationError(format string, args ...interface{}) error {
	return &BridgeError{Kind: ErrConfiguration, Message: fmt.Sprintf(format, args...)}
}

func transientError(format string, args ...interface{}) error {
	return &BridgeError{Kind: ErrTransient, Message: fmt.Sprintf(format, args...)}
}

// PublicMessage returns the message that is safe to show to a caller
func PublicMessage(err error) string {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Message
	}
	return "internal error"
}

// StatusForError maps an error kind to the HTTP status returned for it
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

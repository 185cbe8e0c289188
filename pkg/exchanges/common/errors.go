package common

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized  = errors.New("exchange rejected credentials")
	ErrOrderNotFound = errors.New("order not found")
	ErrRateLimited   = errors.New("exchange rate limit exceeded")
)

// APIError is a non-2xx venue response.
type APIError struct {
	Venue  string
	Status int
	Code   string
	Body   string
	err    error
}

// NewAPIError builds an APIError, classifying it against the sentinel errors.
func NewAPIError(venue string, status int, code, body string, cause error) *APIError {
	return &APIError{Venue: venue, Status: status, Code: code, Body: body, err: cause}
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s status %d (%s): %s", e.Venue, e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("%s status %d: %s", e.Venue, e.Status, e.Body)
}

func (e *APIError) Unwrap() error { return e.err }

// IsUnrecoverable reports errors that retrying cannot fix.
func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

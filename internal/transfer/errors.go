package transfer

import (
	"errors"
	"fmt"
)

// Machine-readable reasons carried in non-2xx responses of the transfer API.
const (
	ReasonAlreadyDownloaded = "already_downloaded"
	ReasonNotFound          = "not_found"
	ReasonValidation        = "validation"
)

// NetworkError represents transient failures: connection errors, timeouts,
// 5xx responses and rate limiting. These are worth retrying.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "fetch_item", "check_recent")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AlreadyObtainedError means the origin refused the transfer because the item
// was downloaded by this identity within the last 24h. Not a failure.
type AlreadyObtainedError struct {
	ItemID  string
	Message string
}

func (e *AlreadyObtainedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("item %s was already downloaded recently", e.ItemID)
	}

	return fmt.Sprintf("item %s was already downloaded recently: %s", e.ItemID, e.Message)
}

// NotFoundError means the origin does not know the item.
type NotFoundError struct {
	ItemID  string
	Message string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("item %s not found: %s", e.ItemID, e.Message)
}

// ValidationError represents a request or response the origin or the client
// considers malformed.
type ValidationError struct {
	ItemID string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for item %s: %s", e.ItemID, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents 401 Unauthorized and 403 Forbidden responses.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// IsAlreadyObtained reports whether err means the item was obtained recently.
func IsAlreadyObtained(err error) bool {
	var target *AlreadyObtainedError

	return errors.As(err, &target)
}

// IsTransient reports whether retrying the same request may succeed.
func IsTransient(err error) bool {
	var target *NetworkError

	return errors.As(err, &target)
}

// Category maps an error to a short label used for failure records and metrics.
func Category(err error) string {
	var (
		network    *NetworkError
		obtained   *AlreadyObtainedError
		notFound   *NotFoundError
		validation *ValidationError
		auth       *AuthenticationError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &obtained):
		return ReasonAlreadyDownloaded
	case errors.As(err, &notFound):
		return ReasonNotFound
	case errors.As(err, &validation):
		return ReasonValidation
	case errors.As(err, &auth):
		return "unauthorized"
	case errors.As(err, &network):
		return "network"
	default:
		return "unknown"
	}
}

// Package etlerr defines the error taxonomy shared by the pipeline stages.
//
// Stage-level errors (authentication, upstream unavailability, storage
// unavailability) propagate to the orchestrator. Per-record errors
// (schema validation) are collected into batch results instead.
package etlerr

import (
	"errors"
	"fmt"
	"strings"
)

// AuthenticationError reports rejected or missing upstream credentials.
// It is never retried.
type AuthenticationError struct {
	Status int
	Reason string
}

func (e *AuthenticationError) Error() string {
	if e.Status == 0 {
		return "authentication failed: " + e.Reason
	}
	return fmt.Sprintf("authentication failed (%d): %s", e.Status, e.Reason)
}

// ExternalServiceError reports an upstream failure after the retry budget
// was spent, or a failure that retrying cannot fix.
type ExternalServiceError struct {
	Status   int
	Body     string
	Attempts int
	// Permanent marks failures that retrying cannot fix, such as an
	// exhausted request budget or an API-level error code.
	Permanent bool
	Err       error
}

func (e *ExternalServiceError) Error() string {
	var b strings.Builder
	b.WriteString("external service error")
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " after %d attempt(s)", e.Attempts)
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		b.WriteString(": ")
		b.WriteString(truncate(body, 512))
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// SchemaValidationError reports a record that does not match the canonical
// schema. Symbol is empty when the failure is payload-wide.
type SchemaValidationError struct {
	Symbol string
	Field  string
	Reason string
}

func (e *SchemaValidationError) Error() string {
	switch {
	case e.Symbol != "" && e.Field != "":
		return fmt.Sprintf("schema validation failed for %s.%s: %s", e.Symbol, e.Field, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("schema validation failed for %s: %s", e.Field, e.Reason)
	default:
		return "schema validation failed: " + e.Reason
	}
}

// StorageUnavailableError reports a sink that could not be reached for the
// whole batch.
type StorageUnavailableError struct {
	Backend string
	Err     error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage %s unavailable: %v", e.Backend, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

// InvariantViolation is a programming error. It is always surfaced.
type InvariantViolation struct {
	Msg string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation: " + e.Msg
}

// Invariantf builds an InvariantViolation.
func Invariantf(format string, args ...any) error {
	return &InvariantViolation{Msg: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var storageErr *StorageUnavailableError
	if errors.As(err, &storageErr) {
		return true
	}
	var serviceErr *ExternalServiceError
	if errors.As(err, &serviceErr) {
		if serviceErr.Permanent {
			return false
		}
		return serviceErr.Status == 0 || serviceErr.Status == 429 || serviceErr.Status >= 500
	}
	return false
}

// Severity classifies an error for alert payloads.
func Severity(err error) string {
	var authErr *AuthenticationError
	var storageErr *StorageUnavailableError
	var invariant *InvariantViolation
	switch {
	case errors.As(err, &authErr), errors.As(err, &storageErr), errors.As(err, &invariant):
		return "critical"
	default:
		return "error"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

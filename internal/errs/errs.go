// Package errs defines the error taxonomy shared by the aggregation pipeline.
//
// Each kind maps to one recovery policy:
//   - ValidationError: the single raw record is rejected, the batch continues
//   - ResolutionError: the group is parked in the dead-letter list, the batch continues
//   - IntegrityError: the batch aborts and its writes are rolled back
//   - ConfigurationError: fatal at startup
package errs

import (
	"errors"
	"fmt"
)

// Rejection reasons reported by the normalizer.
const (
	ReasonInvalidTimestamp     = "invalid_timestamp"
	ReasonMissingRequiredField = "missing_required_field"
	ReasonInvalidNumber        = "invalid_number"
	ReasonMalformedRecord      = "malformed_record"
)

var (
	// ErrNotFound is returned by lookups that match nothing.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change would move backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError rejects one malformed raw record.
type ValidationError struct {
	Reason string
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	msg := "validation failed: " + e.Reason
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// ResolutionError reports a group whose service could not be resolved.
type ResolutionError struct {
	ServiceName string
	Err         error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve service %q: %v", e.ServiceName, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// IntegrityError reports a write that would break per-key uniqueness.
type IntegrityError struct {
	Key string
	Err error
}

func (e *IntegrityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("integrity violation on key %s", e.Key)
	}
	return fmt.Sprintf("integrity violation on key %s: %v", e.Key, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// ConfigurationError reports a missing or invalid setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// Reason returns the rejection reason of a ValidationError, or "" for any other error.
func Reason(err error) string {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Reason
	}
	return ""
}

package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrValidation             = errors.New("validation error")
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// ConfigurationError reports missing or invalid transport/tenant configuration.
// It is never retried automatically.
type ConfigurationError struct {
	OrganizationID string
	Reason         string
	Cause          error
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := []string{"configuration error"}
	if e.OrganizationID != "" {
		parts = append(parts, "organization="+e.OrganizationID)
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		parts = append(parts, reason)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *ConfigurationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// RateLimitError signals that the scope has no send budget left right now.
// Callers reschedule instead of treating it as a delivery failure.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
	Cause      error
}

func (e *RateLimitError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := fmt.Sprintf("rate limited: scope=%s retryAfter=%s", e.Scope, e.RetryAfter)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// RenderError reports a template/data mismatch for a single recipient.
type RenderError struct {
	Field string
	Cause error
}

func (e *RenderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	field := e.Field
	if field == "" {
		field = "template"
	}
	if e.Cause == nil {
		return fmt.Sprintf("render %s failed", field)
	}
	return fmt.Sprintf("render %s failed: %v", field, e.Cause)
}

func (e *RenderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func IsRateLimited(err error) (*RateLimitError, bool) {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr, true
	}
	return nil, false
}

func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

func IsRenderError(err error) bool {
	var renderErr *RenderError
	return errors.As(err, &renderErr)
}

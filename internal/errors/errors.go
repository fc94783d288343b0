// Package errors provides the error types shared by the collector, the
// providers and the stores. Only one runtime kind is recognized for provider
// calls: the source is unavailable. Everything else is a startup problem.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable covers network failures, non-success statuses
	// and malformed response bodies.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrInvalidInput indicates a bad flag, config value or alias entry.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound indicates a missing snapshot or entity.
	ErrNotFound = errors.New("not found")
)

// SourceError describes a failed provider call.
type SourceError struct {
	Provider   string
	Indicator  string
	StatusCode int
	Message    string
	Err        error
}

func (e *SourceError) Error() string {
	subject := e.Provider
	if e.Indicator != "" {
		subject = fmt.Sprintf("%s indicator %s", e.Provider, e.Indicator)
	}
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s unavailable (status %d): %s", subject, e.StatusCode, e.Message)
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s unavailable: %s: %v", subject, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s unavailable: %v", subject, e.Err)
	default:
		return fmt.Sprintf("%s unavailable: %s", subject, e.Message)
	}
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

func (e *SourceError) Is(target error) bool {
	return target == ErrSourceUnavailable
}

// NewSourceError wraps err as a source-unavailable failure.
func NewSourceError(provider, indicator string, err error) *SourceError {
	return &SourceError{Provider: provider, Indicator: indicator, Err: err}
}

// ValidationError represents a rejected input value.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

func NewValidationError(field string, value any, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Component string
	Message   string
	Err       error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Component != "" {
		return fmt.Sprintf("configuration error in %s: %s", e.Component, msg)
	}
	return fmt.Sprintf("configuration error: %s", msg)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(component, message string, err error) *ConfigError {
	return &ConfigError{Component: component, Message: message, Err: err}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

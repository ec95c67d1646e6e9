// Package aierrors defines the shared error taxonomy: cancellation,
// transient vs. permanent provider errors, parse errors, and data errors,
// as typed errors plus regex-based classification of raw provider error
// strings.
package aierrors

import (
	"errors"
	"fmt"
	"regexp"
)

// LLMAbortedError is returned by the Gateway when a call's abort token fires.
// Callers must swallow it rather than surface it to the user.
type LLMAbortedError struct {
	Operation string
}

func (e *LLMAbortedError) Error() string {
	return fmt.Sprintf("llm call aborted (operation=%s)", e.Operation)
}

// LLMTruncatedError indicates the provider cut the response short (length
// limit, content filter) without an outright failure.
type LLMTruncatedError struct {
	FinishReason string
}

func (e *LLMTruncatedError) Error() string {
	return fmt.Sprintf("llm response truncated (finish_reason=%s)", e.FinishReason)
}

// MissingCredentialError names the environment variable the caller must
// set. Returned on HTTP 401/403.
type MissingCredentialError struct {
	EnvVar string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("missing or invalid credential: set %s", e.EnvVar)
}

// RateLimitError indicates a 429/529 that survived the Gateway's retry
// policy and must be surfaced to the caller.
type RateLimitError struct {
	Provider string
	Attempts int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited after %d attempts", e.Provider, e.Attempts)
}

// UserError represents an invalid command/argument; reported as a status
// line with no state change.
type UserError struct {
	Message string
}

func (e *UserError) Error() string { return e.Message }

// DataError wraps a stored document that fails to decode; storage.Store.Read
// returns it. Callers pass it up unchanged: such a document is not
// default-filled or clamped.
type DataError struct {
	Collection string
	ID         string
	Cause      error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("data error in %s/%s: %v", e.Collection, e.ID, e.Cause)
}

func (e *DataError) Unwrap() error { return e.Cause }

// IsAborted reports whether err is (or wraps) an LLMAbortedError.
func IsAborted(err error) bool {
	var aborted *LLMAbortedError
	return errors.As(err, &aborted)
}

var (
	rateLimitPattern = regexp.MustCompile(`(?i)rate.?limit|too many requests|429|529|overloaded`)
	authPattern      = regexp.MustCompile(`(?i)unauthorized|invalid.?api.?key|forbidden|401|403`)
)

// ClassifyProviderError inspects a raw provider error message, returning
// a typed error when the message matches a known shape, or the original
// error unchanged otherwise.
func ClassifyProviderError(provider, envVar string, raw error) error {
	if raw == nil {
		return nil
	}
	msg := raw.Error()
	switch {
	case authPattern.MatchString(msg):
		return &MissingCredentialError{EnvVar: envVar}
	case rateLimitPattern.MatchString(msg):
		return &RateLimitError{Provider: provider}
	default:
		return raw
	}
}

// Package errors defines the stable, client-visible error taxonomy for the
// chat gateway. Internal failures of any shape are mapped onto these codes
// before they cross a transport boundary, so clients can branch on Code
// without parsing messages.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies an error category. Values are part of the wire contract
// and never change meaning between releases.
type Code string

const (
	CodeNotConnected        Code = "NOT_CONNECTED"
	CodeDuplicateSession    Code = "DUPLICATE_SESSION"
	CodeSessionNotFound     Code = "SESSION_NOT_FOUND"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeUpstreamProvider    Code = "UPSTREAM_PROVIDER_ERROR"
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeInternal            Code = "INTERNAL_ERROR"
	CodeUnknown             Code = "UNKNOWN_ERROR"
)

// ChatError is a categorized error carrying a client-safe message. The
// wrapped cause is kept for logging and never serialized.
type ChatError struct {
	Code     Code   `json:"code"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
	Cause    error  `json:"-"`
}

// Error implements the error interface.
func (e *ChatError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s (provider=%s)", e.Code, e.Message, e.Provider)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As chains.
func (e *ChatError) Unwrap() error { return e.Cause }

// NewNotConnectedError reports a storage operation attempted without a live
// store connection.
func NewNotConnectedError(message string) *ChatError {
	return &ChatError{Code: CodeNotConnected, Message: message}
}

// NewDuplicateSessionError reports a create for a session id that is
// already active.
func NewDuplicateSessionError(sessionID string) *ChatError {
	return &ChatError{
		Code:    CodeDuplicateSession,
		Message: fmt.Sprintf("session %q already exists", sessionID),
	}
}

// NewSessionNotFoundError reports an operation against a session id with no
// live record.
func NewSessionNotFoundError(sessionID string) *ChatError {
	return &ChatError{
		Code:    CodeSessionNotFound,
		Message: fmt.Sprintf("session %q not found", sessionID),
	}
}

// NewProviderUnavailableError reports that no completion provider could
// serve the request, including the fallback.
func NewProviderUnavailableError(message string) *ChatError {
	return &ChatError{Code: CodeProviderUnavailable, Message: message}
}

// NewUpstreamError wraps a failure returned by a completion provider. The
// provider name is preserved; the upstream error text is kept as the cause
// and summarized in the client message.
func NewUpstreamError(provider string, cause error) *ChatError {
	return &ChatError{
		Code:     CodeUpstreamProvider,
		Message:  fmt.Sprintf("provider %q failed to generate a completion", provider),
		Provider: provider,
		Cause:    cause,
	}
}

// NewValidationError reports malformed client input.
func NewValidationError(message string) *ChatError {
	return &ChatError{Code: CodeValidation, Message: message}
}

// NewRateLimitedError reports a client exceeding its message rate.
func NewRateLimitedError(message string) *ChatError {
	return &ChatError{Code: CodeRateLimited, Message: message}
}

// NewInternalError wraps an unexpected failure in a generic, client-safe
// envelope.
func NewInternalError(cause error) *ChatError {
	return &ChatError{
		Code:    CodeInternal,
		Message: "internal error",
		Cause:   cause,
	}
}

// Payload is the single error object a failed inbound event produces on the
// wire.
type Payload struct {
	Message string `json:"message"`
	Code    Code   `json:"code"`
}

// ToPayload maps any error to exactly one client-visible payload. ChatError
// values keep their code and message; everything else collapses to a
// generic UNKNOWN_ERROR so internals never leak.
func ToPayload(err error) Payload {
	var ce *ChatError
	if errors.As(err, &ce) {
		return Payload{Message: ce.Message, Code: ce.Code}
	}
	return Payload{Message: "an unexpected error occurred", Code: CodeUnknown}
}

// CodeOf extracts the taxonomy code from err, or CodeUnknown when err
// carries none.
func CodeOf(err error) Code {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeUnknown
}

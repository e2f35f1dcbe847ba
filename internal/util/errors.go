// Package util provides shared error types and environment helpers for the
// service gateway.
//
// # Error Conventions
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNotRegistered.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., TransportError, PersistenceError). Each
//     type implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
package util

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sentinel errors.
var (
	// ErrNotRegistered matches both ErrServiceNotRegistered and ErrMethodNotRegistered.
	ErrNotRegistered = errors.New("not registered")

	ErrServiceNotRegistered = &notRegisteredError{what: "service"}
	ErrMethodNotRegistered  = &notRegisteredError{what: "method"}

	ErrRequestConstruction = errors.New("request construction failed")
	ErrStubResolution      = errors.New("stub resolution failed")
	ErrTransientTransport  = errors.New("transient transport error")
	ErrPermanentTransport  = errors.New("permanent transport error")
	ErrPersistence         = errors.New("registry persistence error")
	ErrRegistrationHTTP    = errors.New("registration request failed")
	ErrConfigInvalid       = errors.New("invalid configuration")
)

type notRegisteredError struct {
	what string
}

func (e *notRegisteredError) Error() string {
	return e.what + " not registered"
}

func (e *notRegisteredError) Is(target error) bool {
	return target == ErrNotRegistered
}

// NotRegistered wraps ErrServiceNotRegistered with the service name.
func NotRegistered(service string) error {
	return fmt.Errorf("%w: %s", ErrServiceNotRegistered, service)
}

// MethodNotRegistered wraps ErrMethodNotRegistered with the qualified method name.
func MethodNotRegistered(service, method string) error {
	return fmt.Errorf("%w: %s.%s", ErrMethodNotRegistered, service, method)
}

// RequestConstructionError is returned when the supplied fields do not
// match the declared request type.
type RequestConstructionError struct {
	RequestType string
	Cause       error
}

// Error implements the error interface.
func (e *RequestConstructionError) Error() string {
	return fmt.Sprintf("cannot build %s from fields: %v", e.RequestType, e.Cause)
}

// Unwrap returns the underlying error.
func (e *RequestConstructionError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *RequestConstructionError) Is(target error) bool {
	if target == ErrRequestConstruction {
		return true
	}
	_, ok := target.(*RequestConstructionError)
	return ok
}

// StubResolutionError is returned when no generated binding is known for
// a stub or message type identifier.
type StubResolutionError struct {
	Identifier string
	Kind       string
}

// Error implements the error interface.
func (e *StubResolutionError) Error() string {
	return fmt.Sprintf("no generated binding for %s %q", e.Kind, e.Identifier)
}

// Is checks if the error matches the target.
func (e *StubResolutionError) Is(target error) bool {
	if target == ErrStubResolution {
		return true
	}
	_, ok := target.(*StubResolutionError)
	return ok
}

// NewStubResolutionError creates a new StubResolutionError.
func NewStubResolutionError(kind, identifier string) *StubResolutionError {
	return &StubResolutionError{Kind: kind, Identifier: identifier}
}

// TransportError is a failed RPC, classified as transient or permanent.
type TransportError struct {
	Service   string
	Method    string
	Code      codes.Code
	Attempts  int
	Transient bool
	Cause     error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s transport error calling %s.%s after %d attempt(s): %v",
		kind, e.Service, e.Method, e.Attempts, e.Cause)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrTransientTransport:
		return e.Transient
	case ErrPermanentTransport:
		return !e.Transient
	}
	_, ok := target.(*TransportError)
	return ok
}

// GRPCStatus exposes the status of the last attempt so that status.Code
// keeps working on a TransportError.
func (e *TransportError) GRPCStatus() *status.Status {
	if st, ok := status.FromError(e.Cause); ok {
		return st
	}
	return status.New(e.Code, e.Error())
}

// PersistenceError represents a registry backend read or write failure.
type PersistenceError struct {
	Backend   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s registry %s failed: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *PersistenceError) Is(target error) bool {
	if target == ErrPersistence {
		return true
	}
	_, ok := target.(*PersistenceError)
	return ok
}

// NewPersistenceError creates a new PersistenceError.
func NewPersistenceError(backend, operation string, cause error) *PersistenceError {
	return &PersistenceError{Backend: backend, Operation: operation, Cause: cause}
}

// RegistrationError represents a non-200 response or network failure
// while talking to the external API gateway.
type RegistrationError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Cause      error
}

// Error implements the error interface.
func (e *RegistrationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("request to %s failed: %v", e.Endpoint, e.Cause)
	}
	return fmt.Sprintf("request to %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Unwrap returns the underlying error.
func (e *RegistrationError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *RegistrationError) Is(target error) bool {
	if target == ErrRegistrationHTTP {
		return true
	}
	_, ok := target.(*RegistrationError)
	return ok
}

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

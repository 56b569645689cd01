// Package apperrors holds the error taxonomy shared by the sync core and the bridge.
package apperrors

import (
	"errors"
	"fmt"
)

// Auth provider error codes.
const (
	CodeEmailInUse      = "auth/email-already-in-use"
	CodeWrongPassword   = "auth/wrong-password"
	CodeUserNotFound    = "auth/user-not-found"
	CodeInvalidEmail    = "auth/invalid-email"
	CodeWeakPassword    = "auth/weak-password"
	CodeInvalidToken    = "auth/invalid-token"
	CodeInternal        = "auth/internal-error"
	CodeSessionRequired = "auth/session-required"
)

// User-facing auth messages. Every code not listed in MapAuth collapses to
// MessageGeneric.
const (
	MessageEmailInUse       = "This email is already in use"
	MessageWrongCredentials = "Wrong credentials!"
	MessageGeneric          = "Something went wrong."
	MessageSessionRequired  = "You are not signed in"
)

type ValidationError struct {
	Field  string
	Reason string
}

func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// AuthError is what callers of sign-in and sign-up see.
type AuthError struct {
	Code    string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ProviderError is raised by an auth provider and carries its raw code.
type ProviderError struct {
	Code string
	Err  error
}

func NewProvider(code string, err error) *ProviderError {
	return &ProviderError{Code: code, Err: err}
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// MapAuth converts any provider failure into an AuthError with a fixed message.
func MapAuth(err error) *AuthError {
	if err == nil {
		return nil
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}

	code := CodeInternal
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		code = providerErr.Code
	}

	message := MessageGeneric
	switch code {
	case CodeEmailInUse:
		message = MessageEmailInUse
	case CodeWrongPassword, CodeUserNotFound:
		message = MessageWrongCredentials
	case CodeSessionRequired:
		message = MessageSessionRequired
	}

	return &AuthError{Code: code, Message: message, Err: err}
}

// RemoteWriteError wraps a network or server failure during a write.
type RemoteWriteError struct {
	Op   string
	Path string
	Err  error
}

func NewRemoteWrite(op, path string, err error) *RemoteWriteError {
	return &RemoteWriteError{Op: op, Path: path, Err: err}
}

func (e *RemoteWriteError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("remote %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote %s %s failed: %v", e.Op, e.Path, e.Err)
}

func (e *RemoteWriteError) Unwrap() error {
	return e.Err
}

// SubscriptionError is a listener failure. It never escapes the subscription
// manager; it is kept as the terminal cause of one subscription.
type SubscriptionError struct {
	Path string
	Err  error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s failed: %v", e.Path, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsRemoteWrite(err error) bool {
	var target *RemoteWriteError
	return errors.As(err, &target)
}

func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

package ai

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrTransient marks a failure worth retrying
	ErrTransient = errors.New("transient provider failure")
	// ErrExhausted is returned once every attempt failed transiently
	ErrExhausted = errors.New("retries exhausted")
	// ErrTimeout is returned when the overall request deadline passes
	ErrTimeout = errors.New("request deadline exceeded")
	// ErrRejected is returned for non-retryable provider rejections
	ErrRejected = errors.New("request rejected by provider")
	// ErrCancelled is returned when the caller cancels the request
	ErrCancelled = errors.New("request cancelled")

	errNoImage = errors.New("provider returned no image")
)

// APIError is the terminal error of a Call. Kind is one of the sentinels
// above; errors.Is matches both Kind and the underlying cause.
type APIError struct {
	Kind     error
	Attempts int
	Err      error
}

func (e *APIError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v after %d attempt(s)", e.Kind, e.Attempts)
	}
	return fmt.Sprintf("%v after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *APIError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// StatusError is a non-2xx provider response
type StatusError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the status is worth retrying
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient classifies a single attempt failure. 408, 429 and 5xx are
// transient, any other status is a rejection. Transport failures such as
// timeouts, resets and truncated bodies are retried.
func IsTransient(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	return true
}

// retryAfter extracts a provider requested delay, if any
func retryAfter(err error) time.Duration {
	var status *StatusError
	if errors.As(err, &status) {
		return status.RetryAfter
	}
	return 0
}

package schema

import (
	"errors"
	"fmt"
	"slices"
)

// Code classifies an EddoError. Transports map codes to their own status vocabulary.
type Code string

const (
	ErrCodeValidation            Code = "VALIDATION_ERROR"
	ErrCodeExecution             Code = "EXECUTION_ERROR"
	ErrCodeTimeout               Code = "TIMEOUT_ERROR"
	ErrCodeNotFound              Code = "NOT_FOUND"
	ErrCodeConflict              Code = "CONFLICT"
	ErrCodeInvalidTransition     Code = "INVALID_TRANSITION"
	ErrCodeStore                 Code = "STORE_ERROR"
	ErrCodeCancelled             Code = "CANCELLED"
	ErrCodeCapabilityUnavailable Code = "CAPABILITY_UNAVAILABLE"
	ErrCodeResolutionFailed      Code = "RESOLUTION_FAILED"
	ErrCodeCircuitOpen           Code = "CIRCUIT_OPEN"
	ErrCodeClassification        Code = "CLASSIFICATION_FAILED"
	ErrCodeNotification          Code = "NOTIFICATION_FAILED"
)

// Retryable reports whether failures with this code are transient. The engine never
// retries steps; channel sends and plugin refreshes do.
func (c Code) Retryable() bool {
	return c == ErrCodeTimeout || c == ErrCodeStore || c == ErrCodeNotification
}

// EddoError is returned by every orchestration operation that can fail in a way the
// caller should branch on.
type EddoError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func NewError(code Code, message string) *EddoError {
	return &EddoError{Code: code, Message: message}
}

func NewErrorf(code Code, format string, args ...any) *EddoError {
	return NewError(code, fmt.Sprintf(format, args...))
}

func (e *EddoError) Error() string {
	msg := "[" + string(e.Code) + "] "
	if e.StepID != "" {
		msg += "step " + e.StepID + ": "
	}
	return msg + e.Message
}

func (e *EddoError) Unwrap() error { return e.Cause }

func (e *EddoError) IsRetryable() bool { return e.Code.Retryable() }

func (e *EddoError) WithStep(stepID string) *EddoError {
	e.StepID = stepID
	return e
}

func (e *EddoError) WithCause(err error) *EddoError {
	e.Cause = err
	return e
}

// WithDetails merges details into any already attached.
func (e *EddoError) WithDetails(details map[string]any) *EddoError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// CodeOf returns the code of the first EddoError in err's chain, or "" if there is none.
func CodeOf(err error) Code {
	var ee *EddoError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// HasCode reports whether err carries one of codes.
func HasCode(err error, codes ...Code) bool {
	c := CodeOf(err)
	return c != "" && slices.Contains(codes, c)
}

package model

import (
	"errors"
	"fmt"
)

// ErrorCode classifies queue failures.
type ErrorCode string

const (
	ErrorTransient       ErrorCode = "transient"        // flaky external tool, retried
	ErrorSubmitExhausted ErrorCode = "submit_exhausted" // submission retries used up
	ErrorJobFailed       ErrorCode = "job_failed"       // sentinel files or callback report failure
	ErrorConfig          ErrorCode = "config"           // invalid options or job spec
	ErrorJobLost         ErrorCode = "job_lost"         // backend could not be queried within the ceiling
	ErrorNotFound        ErrorCode = "not_found"        // id unknown to the driver
)

// QueueError carries a code alongside the usual wrapped error.
type QueueError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func NewQueueError(code ErrorCode, message string, err error) *QueueError {
	return &QueueError{Code: code, Message: message, Err: err}
}

// Errorf builds a QueueError with a formatted message and no cause.
func Errorf(code ErrorCode, format string, args ...any) *QueueError {
	return &QueueError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *QueueError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first QueueError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe.Code
	}
	return ""
}

func IsTransient(err error) bool {
	return CodeOf(err) == ErrorTransient
}

func IsConfig(err error) bool {
	return CodeOf(err) == ErrorConfig
}

package stream

import (
	"errors"
	"fmt"
)

// Code identifies a streaming failure. Codes are stable so callers can branch
// on them instead of matching messages.
type Code string

const (
	NotAsyncIterable Code = "NOT_ASYNC_ITERABLE"
	ProcessingFailed Code = "STREAM_PROCESSING_FAILED"
	NotIterable      Code = "STREAM_NOT_ITERABLE"
	BufferExceeded   Code = "BUFFER_SIZE_EXCEEDED"
)

// Failure is raised when a stream cannot be consumed or its content cannot be
// turned into items.
type Failure struct {
	Code    Code
	Message string
	Err     error
}

// NewFailure creates a Failure with a formatted message.
func NewFailure(code Code, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapFailure creates a Failure that keeps err as its cause.
func WrapFailure(code Code, err error, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Is matches any Failure with the same code, so errors.Is(err, &Failure{Code: BufferExceeded})
// works regardless of message.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	if !ok {
		return false
	}
	return t.Code == f.Code
}

// AsFailure returns the first Failure in err's chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// HasCode reports whether err carries a Failure with the given code.
func HasCode(err error, code Code) bool {
	f, ok := AsFailure(err)
	return ok && f.Code == code
}

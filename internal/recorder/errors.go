package recorder

import (
	"errors"
	"fmt"
)

// ErrorKind classifies recording errors.
type ErrorKind string

// Error kinds.
const (
	// KindAdapter is an encoder failure. Always fatal.
	KindAdapter ErrorKind = "adapter"
	// KindIO is a file system failure. Fatal under the strict I/O policy.
	KindIO ErrorKind = "io"
	// KindProtocol is an encoder contract violation. Always fatal.
	KindProtocol ErrorKind = "protocol"
	// KindState is a control call made in the wrong state. Returned to the
	// caller only; the recording is unaffected.
	KindState ErrorKind = "state"
)

// Sentinel errors.
var (
	ErrAlreadyRecording  = errors.New("recording already started")
	ErrNoActiveRecording = errors.New("no active recording")
	ErrFormatAlreadySet  = errors.New("output format delivered twice")
	ErrNoFormat          = errors.New("sample before output format")
	ErrInvalidBuffer     = errors.New("invalid sample buffer")
)

// Error is a recording error with its kind and the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error ends the recording.
func (e *Error) Fatal() bool {
	return e.Kind != KindState
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

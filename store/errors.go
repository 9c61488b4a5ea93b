package store

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidStreamID      = errors.New("invalid stream id")
	ErrReservedStreamID     = errors.New("stream id is reserved")
	ErrInvalidMessage       = errors.New("invalid message")
	ErrNoMessages           = errors.New("no messages to append")
	ErrInvalidMaxCount      = errors.New("max count must be positive")
	ErrInvalidMetadata      = errors.New("invalid stream metadata")
	ErrInvalidExpected      = errors.New("invalid expected version")
	ErrInvalidVersion       = errors.New("invalid stream version")
	ErrWrongExpectedVersion = errors.New("wrong expected version")
	ErrStreamDeleted        = errors.New("stream deleted")
	ErrClosed               = errors.New("store closed")
	ErrTransient            = errors.New("transient store error")
	ErrRetriesExhausted     = errors.New("append retries exhausted")
	ErrMessageNotFound      = errors.New("message not found")
)

type WrongExpectedVersionError struct {
	StreamID        string
	ExpectedVersion ExpectedVersion
	Err             error
}

func (e *WrongExpectedVersionError) Error() string {
	msg := fmt.Sprintf("%s: stream %q expected %s", ErrWrongExpectedVersion, e.StreamID, e.ExpectedVersion)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *WrongExpectedVersionError) Is(target error) bool {
	return target == ErrWrongExpectedVersion
}

func (e *WrongExpectedVersionError) Unwrap() error {
	return e.Err
}

func WrongExpectedVersion(streamID string, expected ExpectedVersion) error {
	return &WrongExpectedVersionError{StreamID: streamID, ExpectedVersion: expected}
}

type transientError struct {
	err error
}

func (e transientError) Error() string {
	return e.err.Error()
}

func (e transientError) Unwrap() []error {
	return []error{ErrTransient, e.err}
}

// Transient marks err as safe to retry, such as a deadlock reported by a relational engine.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

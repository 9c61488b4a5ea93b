package api

import (
	"errors"
	"net/http"

	"github.com/iidesho/streamstore/store"
)

type statusError struct {
	status int
	err    error
}

func (e statusError) Error() string   { return e.err.Error() }
func (e statusError) Unwrap() error   { return e.err }
func (e statusError) StatusCode() int { return e.status }

var badRequest = []error{
	store.ErrInvalidStreamID,
	store.ErrReservedStreamID,
	store.ErrInvalidMessage,
	store.ErrNoMessages,
	store.ErrInvalidMaxCount,
	store.ErrInvalidMetadata,
	store.ErrInvalidExpected,
	store.ErrInvalidVersion,
}

// classify gives engine errors the status the webserver error handler responds with.
func classify(err error) error {
	if err == nil {
		return nil
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrWrongExpectedVersion):
		status = http.StatusConflict
	case errors.Is(err, store.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrClosed), errors.Is(err, store.ErrRetriesExhausted):
		status = http.StatusServiceUnavailable
	default:
		for _, target := range badRequest {
			if errors.Is(err, target) {
				status = http.StatusBadRequest
				break
			}
		}
	}
	return statusError{status: status, err: err}
}

func invalid(err error) error {
	return statusError{status: http.StatusBadRequest, err: err}
}

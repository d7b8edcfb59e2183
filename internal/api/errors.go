package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-chatsync/internal/directory"
	"github.com/npezzotti/go-chatsync/internal/engine"
	"github.com/npezzotti/go-chatsync/internal/friendship"
	"github.com/npezzotti/go-chatsync/internal/timeline"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newError(status int, err error) *ApiError {
	return &ApiError{
		StatusCode: status,
		Message:    lower(http.StatusText(status)),
		Err:        err,
	}
}

func NewBadRequestError() *ApiError {
	return newError(http.StatusBadRequest, nil)
}

func NewNotFoundError() *ApiError {
	return newError(http.StatusNotFound, nil)
}

func NewInternalServerError(err error) *ApiError {
	return newError(http.StatusInternalServerError, err)
}

// NewConflictError carries the reason since the caller can act on it.
func NewConflictError(err error) *ApiError {
	e := newError(http.StatusConflict, err)
	e.Message = err.Error()
	return e
}

func NewServiceUnavailableError(err error) *ApiError {
	return newError(http.StatusServiceUnavailable, err)
}

// errorFor maps an engine operation failure to its response.
func errorFor(err error) *ApiError {
	switch {
	case errors.Is(err, friendship.ErrUnknownList),
		errors.Is(err, friendship.ErrUnknownAction),
		errors.Is(err, timeline.ErrInvalidMessage),
		errors.Is(err, engine.ErrNotMedia):
		return newError(http.StatusBadRequest, err)
	case errors.Is(err, friendship.ErrUnknownRelationship),
		errors.Is(err, timeline.ErrUnknownMessage):
		return newError(http.StatusNotFound, err)
	case errors.Is(err, engine.ErrNoOpenRoom),
		errors.Is(err, directory.ErrLoadInProgress),
		errors.Is(err, directory.ErrNoMorePages),
		errors.Is(err, timeline.ErrLoadInProgress),
		errors.Is(err, timeline.ErrNoMoreHistory),
		errors.Is(err, timeline.ErrNotLoaded),
		errors.Is(err, timeline.ErrNotFailed),
		errors.Is(err, friendship.ErrLoadInProgress),
		errors.Is(err, friendship.ErrNoMorePages):
		return NewConflictError(err)
	case errors.Is(err, engine.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return NewServiceUnavailableError(err)
	default:
		return NewInternalServerError(err)
	}
}

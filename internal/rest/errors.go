package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ApiError is a non-2xx answer from the REST collaborator.
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

// Temporary reports whether the request may succeed if issued again.
func (e *ApiError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(status int, message string) *ApiError {
	if message == "" {
		message = lower(http.StatusText(status))
	}
	return &ApiError{
		StatusCode: status,
		Message:    message,
	}
}

// IsUnauthorized reports whether err is a rejected credential.
func IsUnauthorized(err error) bool {
	return hasStatus(err, http.StatusUnauthorized) || hasStatus(err, http.StatusForbidden)
}

func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

func hasStatus(err error, status int) bool {
	var apiErr *ApiError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/gochat-realtime/internal/auth"
	"github.com/npezzotti/gochat-realtime/internal/realtime"
	"github.com/npezzotti/gochat-realtime/internal/subscription"
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

func newApiError(code int, err error) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    lower(http.StatusText(code)),
		Err:        err,
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest, nil)
}

func NewInternalServerError(err error) *ApiError {
	return newApiError(http.StatusInternalServerError, err)
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized, nil)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden, nil)
}

// NewServiceUnavailableError is returned when the broker link is down and a
// request needs it.
func NewServiceUnavailableError() *ApiError {
	return newApiError(http.StatusServiceUnavailable, nil)
}

// errorFor maps domain errors onto responses.
func errorFor(err error) *ApiError {
	switch {
	case errors.Is(err, realtime.ErrNotAuthenticated):
		return NewUnauthorizedError()
	case errors.Is(err, auth.ErrInvalidToken):
		return NewUnauthorizedError()
	case errors.Is(err, subscription.ErrInvalidContext):
		e := NewBadRequestError()
		e.Err = err
		return e
	default:
		return NewInternalServerError(err)
	}
}

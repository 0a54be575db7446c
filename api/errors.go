package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized matches a terminal authorization failure: the request was
// refused again after the one replay a refresh allows.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a failure reported by the server, either through the transport
// status or through the envelope code.
type APIError struct {
	// StatusCode is the transport status.
	StatusCode int
	// Code is the envelope code, 0 when the body was not an envelope.
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 && e.Code != e.StatusCode {
		return fmt.Sprintf("api error (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// Is makes 401 errors match ErrUnauthorized.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.unauthorized()
}

func (e *APIError) unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.Code == codeUnauthorized
}

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrDuplicateID          = errors.New("duplicate id")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrInvalidBoost         = errors.New("invalid boost")
	ErrConnection           = errors.New("connection error")
	ErrMaxReconnectExceeded = errors.New("max reconnect attempts exceeded")
	ErrRequestFailed        = errors.New("request failed")
	ErrLogFull              = errors.New("assignment log full")
)

// RequestFailedError is returned for any non-2xx answer from the authoritative service.
type RequestFailedError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *RequestFailedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *RequestFailedError) Is(target error) bool { return target == ErrRequestFailed }

package remote

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// NetworkError is a transient failure: the request may or may not have
// reached the server, so a create that failed this way may still have
// been persisted remotely.
type NetworkError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server error %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError means the remote rejected the payload. Sending the same
// payload again will fail the same way.
type ValidationError struct {
	Op         string
	StatusCode int
	Message    string
	Fields     map[string][]string
}

func (e *ValidationError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "request rejected"
	}
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, msg, e.StatusCode)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], ", "))
	}
	return fmt.Sprintf("%s: %s (status %d): %s", e.Op, msg, e.StatusCode, strings.Join(parts, "; "))
}

// NotFoundError is a 404 for the addressed resource.
type NotFoundError struct {
	Op      string
	Message string
}

func (e *NotFoundError) Error() string {
	if e.Message == "" {
		return e.Op + ": not found"
	}
	return e.Op + ": " + e.Message
}

// AuthError means no usable token was available or the server refused it.
type AuthError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: unauthorized: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: unauthorized (status %d)", e.Op, e.StatusCode)
}

func (e *AuthError) Unwrap() error { return e.Err }

func IsNetwork(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

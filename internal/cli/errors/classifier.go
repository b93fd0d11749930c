// Package errors turns client failures into kinds with user-facing hints.
package errors

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"strings"

	"github.com/opreg/opreg/internal/cli/client"
)

type ErrorKind string

const (
	ErrorKindOffline  ErrorKind = "offline"
	ErrorKindInvalid  ErrorKind = "invalid"
	ErrorKindNotFound ErrorKind = "not-found"
	ErrorKindServer   ErrorKind = "server"
	ErrorKindTimeout  ErrorKind = "timeout"
	ErrorKindOther    ErrorKind = "other"
)

type ClassifiedError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Hint    string    `json:"hint,omitempty"` // User-friendly suggestion
	Raw     error     `json:"-"`
}

func (e ClassifiedError) Error() string {
	return e.Message
}

func (e ClassifiedError) Unwrap() error {
	return e.Raw
}

func Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}

	var classified ClassifiedError
	if stderrors.As(err, &classified) {
		return classified
	}

	var apiErr *client.APIError
	if stderrors.As(err, &apiErr) {
		return classifyAPI(apiErr)
	}

	msg := strings.ToLower(err.Error())
	var netErr net.Error

	switch {
	case stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()):
		return ClassifiedError{
			Kind:    ErrorKindTimeout,
			Message: err.Error(),
			Hint:    "The daemon did not answer in time. Raise --timeout or check the daemon logs.",
			Raw:     err,
		}
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "econnrefused"):
		return ClassifiedError{
			Kind:    ErrorKindOffline,
			Message: err.Error(),
			Hint:    "Is the opreg daemon running? Start it with 'opreg' or pass --server.",
			Raw:     err,
		}
	default:
		return ClassifiedError{
			Kind:    ErrorKindOther,
			Message: err.Error(),
			Hint:    "An unexpected error occurred.",
			Raw:     err,
		}
	}
}

func classifyAPI(err *client.APIError) ClassifiedError {
	c := ClassifiedError{Message: err.Message, Raw: err}
	switch {
	case err.Status == http.StatusNotFound:
		c.Kind = ErrorKindNotFound
		c.Hint = "Run 'opreg-cli list' to see registered operations."
	case strings.HasPrefix(err.Message, "Invalid operation"):
		c.Kind = ErrorKindNotFound
		c.Hint = "Register the operation first with 'opreg-cli register <name> <file>'."
	case strings.HasPrefix(err.Message, "Method not found"):
		c.Kind = ErrorKindInvalid
		c.Hint = "The unit declares none of the capabilities the daemon dispatches to. Check 'opreg-cli show <name>'."
	case err.Status >= 400 && err.Status < 500:
		c.Kind = ErrorKindInvalid
		c.Hint = "The request was rejected. Check the arguments."
	default:
		c.Kind = ErrorKindServer
		c.Hint = "The daemon failed to handle the request. Check 'opreg-cli logs'."
	}
	return c
}

// Copyright 2025 James Ross
// Package errkind implements the error taxonomy from spec.md §7 as a
// closed sum type rather than an error interface hierarchy.
package errkind

import "fmt"

// Kind is one of the taxonomy entries in spec.md §7.
type Kind string

const (
	Validation Kind = "validation"
	Auth       Kind = "auth"
	NotFound   Kind = "not-found"
	NoNode     Kind = "no-node"
	Submit     Kind = "submit"
	Execution  Kind = "execution"
	Timeout    Kind = "timeout"
	NoOutput   Kind = "no-output"
	Transport  Kind = "transport"
	Internal   Kind = "internal"
)

// Retriable reports whether the driver should retry the step that
// produced this kind of error, per the table in spec.md §7.
func (k Kind) Retriable() bool {
	switch k {
	case NoNode, Timeout, Transport:
		return true
	case Submit:
		return true // reported for every submit error; the cause (transport or node rejection) is not distinguished
	default:
		return false
	}
}

// Error is the structured error record carried on a job and rendered
// as the client-facing failure payload in spec.md §7.
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds a taxonomy error with an optional details map.
func New(kind Kind, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

func Validationf(format string, args ...any) *Error {
	return New(Validation, fmt.Sprintf(format, args...), nil)
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...), nil)
}

func Internalf(format string, args ...any) *Error {
	return New(Internal, fmt.Sprintf(format, args...), nil)
}

// As extracts a *Error from err, mirroring errors.As without forcing
// every caller to import the errors package for this one type.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

// HTTPStatus maps a Kind to the status code it surfaces as, per the
// "Surfaced as" column of spec.md §7.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return 400
	case Auth:
		return 401
	case NotFound:
		return 404
	case Internal:
		return 500
	default:
		// no-node, submit, execution, timeout, no-output, transport are
		// post-acceptance job failures, not synchronous HTTP failures.
		return 500
	}
}

// SPDX-License-Identifier: MIT

// Package apierr defines the stable error kinds shared by the HTTP
// surface and the inspection engine. Every client-visible failure is
// one of these kinds; the REST layer maps them to status codes and the
// uniform JSON envelope.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, wire-visible error category.
type Kind string

const (
	KindValidation       Kind = "VALIDATION_ERROR"
	KindNotFound         Kind = "NOT_FOUND"
	KindConflict         Kind = "CONFLICT"
	KindGone             Kind = "GONE"
	KindDecode           Kind = "DECODE_ERROR"
	KindOutOfBounds      Kind = "OUT_OF_BOUNDS"
	KindDeadlineExceeded Kind = "DEADLINE_EXCEEDED"
	KindDepMissing       Kind = "DEP_MISSING"
	KindInternal         Kind = "INTERNAL"
)

// E is an error carrying a kind and optional structured details.
type E struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *E) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.cause }

// New builds an error of the given kind.
func New(kind Kind, msg string) *E {
	return &E{Kind: kind, Message: msg}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, msg string, cause error) *E {
	return &E{Kind: kind, Message: msg, cause: cause}
}

// WithDetails returns a copy of e carrying the given details map.
func (e *E) WithDetails(details map[string]any) *E {
	cp := *e
	cp.Details = details
	return &cp
}

// KindOf extracts the kind from err, defaulting to INTERNAL.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindGone:
		return http.StatusGone
	case KindDecode, KindOutOfBounds:
		return http.StatusUnprocessableEntity
	case KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case KindDepMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Package apperr classifies failures crossing component boundaries.
//
// Every error produced by the publishing core carries a Kind so that an outer
// transport can map it to a response status without knowing which component
// raised it.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUpstream
	KindNotFound
	KindConflict
	KindInvalidSchedule
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUpstream:
		return "upstream"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidSchedule:
		return "invalid_schedule"
	default:
		return "internal"
	}
}

// Error is a classified error. Message is safe to show to callers; Err keeps
// the underlying cause for errors.Is / errors.As.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrCode() string {
	switch e.Kind {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindUpstream:
		return "UPSTREAM_ERROR"
	case KindNotFound:
		return "NOT_FOUND_ERROR"
	case KindConflict:
		return "CONFLICT_ERROR"
	case KindInvalidSchedule:
		return "INVALID_SCHEDULE"
	default:
		return "INTERNAL_ERROR"
	}
}

func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindValidation, KindInvalidSchedule:
		return http.StatusBadRequest
	case KindUpstream:
		return http.StatusBadGateway
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func InvalidSchedule(format string, args ...any) error {
	return &Error{Kind: KindInvalidSchedule, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Upstream wraps cause as a remote-platform failure.
func Upstream(cause error, format string, args ...any) error {
	return &Error{Kind: KindUpstream, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Internal wraps cause as an unanticipated failure.
func Internal(cause error, format string, args ...any) error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

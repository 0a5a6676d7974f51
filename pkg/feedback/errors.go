package feedback

import (
	stderrors "errors"
	"net/http"
)

type Kind string

const (
	KindBadRequest         Kind = "bad_request"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindStorageUnavailable Kind = "storage_unavailable"
)

// Surface names the resource an error is about.
type Surface string

const (
	SurfaceAPI      Surface = "api"
	SurfaceFeedback Surface = "feedback"
	SurfaceChat     Surface = "chat"
	SurfaceStream   Surface = "stream"
)

var (
	// ErrResumptionUnsupported is returned by ResumeSession when no side-channel is configured.
	ErrResumptionUnsupported = stderrors.New("stream resumption is not available")
	// ErrNoStreamHistory is returned by ResumeSession for a chat that never started a stream.
	ErrNoStreamHistory = stderrors.New("chat has no stream history")
)

// Error is a request failure reported to the client.
type Error struct {
	Kind    Kind
	Surface Surface
	Message string
	Cause   error
}

func NewError(kind Kind, surface Surface, msg string, cause error) *Error {
	return &Error{Kind: kind, Surface: surface, Message: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Code() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Code() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Code is the "kind:surface" identifier sent to clients.
func (e *Error) Code() string {
	return string(e.Kind) + ":" + string(e.Surface)
}

func (e *Error) Status() int {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

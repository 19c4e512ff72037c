// Package transport provides the HTTP client shared by the REST-based
// storage providers: request construction, authorization, bounded retry of
// throttled requests, and status classification.
package transport

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, transport.ErrNotFound) to check.
var (
	ErrBadRequest          = errors.New("transport: bad request")
	ErrUnauthorized        = errors.New("transport: unauthorized")
	ErrForbidden           = errors.New("transport: forbidden")
	ErrNotFound            = errors.New("transport: not found")
	ErrMethodNotAllowed    = errors.New("transport: method not allowed")
	ErrConflict            = errors.New("transport: conflict")
	ErrGone                = errors.New("transport: resource gone")
	ErrPreconditionFailed  = errors.New("transport: precondition failed")
	ErrThrottled           = errors.New("transport: throttled")
	ErrLocked              = errors.New("transport: resource locked")
	ErrInsufficientStorage = errors.New("transport: insufficient storage")
	ErrServerError         = errors.New("transport: server error")
	ErrUnexpectedStatus    = errors.New("transport: unexpected status")
)

// StatusError wraps a sentinel error with HTTP status code, request ID,
// and the error body returned by the server.
type StatusError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *StatusError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("transport: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("transport: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}

	return 0
}

// classifyStatus maps an HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusMethodNotAllowed:
		return ErrMethodNotAllowed
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusLocked:
		return ErrLocked
	case http.StatusInsufficientStorage:
		return ErrInsufficientStorage
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return ErrUnexpectedStatus
	}
}

// isRetryable reports whether the server asked the client to come back
// later. Other failures are surfaced to the caller immediately.
func isRetryable(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// Overrides lets a provider remap individual statuses for one operation,
// e.g. 412 on a create-only PUT means the target exists.
type Overrides map[int]cloudsync.Kind

// Classify maps a transport error into the cloudsync taxonomy using the
// status table shared by the REST providers:
//
//	401 -> AuthorizationFailed, 403 -> PermissionDenied,
//	404/410 -> NoSuchResource, 409 -> ResourceConflict,
//	412 -> ResourceHasChanged, anything else -> CommunicationError.
//
// Errors that are already classified pass through unchanged.
func Classify(op, path string, err error, overrides Overrides) error {
	if err == nil {
		return nil
	}

	var ce *cloudsync.Error
	if errors.As(err, &ce) {
		return ce
	}

	var de *DecodeError
	if errors.As(err, &de) {
		return InvalidResponse(op, path, err)
	}

	var se *StatusError
	if !errors.As(err, &se) {
		return cloudsync.NewError(cloudsync.KindCommunicationError, op, path, err)
	}

	if kind, ok := overrides[se.StatusCode]; ok {
		return cloudsync.NewError(kind, op, path, err)
	}

	kind := cloudsync.KindCommunicationError

	switch se.StatusCode {
	case http.StatusUnauthorized:
		kind = cloudsync.KindAuthorizationFailed
	case http.StatusForbidden:
		kind = cloudsync.KindPermissionDenied
	case http.StatusNotFound, http.StatusGone:
		kind = cloudsync.KindNoSuchResource
	case http.StatusConflict:
		kind = cloudsync.KindResourceConflict
	case http.StatusPreconditionFailed:
		kind = cloudsync.KindResourceHasChanged
	}

	return cloudsync.NewError(kind, op, path, err)
}

// InvalidResponse reports a response that could not be parsed.
func InvalidResponse(op, path string, err error) error {
	return cloudsync.NewError(cloudsync.KindInvalidResponse, op, path, err)
}

package cloudsync

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories every remote operation
// reports. Callers branch on it with errors.Is against the kind sentinels
// or with KindOf.
type Kind int

// Failure kinds. The zero value is not a valid kind.
const (
	KindAuthorizationFailed Kind = iota + 1
	KindCommunicationError
	KindInvalidResponse
	KindNoSuchResource
	KindPermissionDenied
	KindResourceHasChanged
	KindResourceConflict
)

// Family groups kinds into failures of the session as a whole and
// failures tied to a particular resource.
type Family int

// Error families.
const (
	FamilyCloud Family = iota + 1
	FamilyResource
)

// Family sentinels. errors.Is(err, ErrCloud) holds for every cloud-family
// kind, errors.Is(err, ErrResource) for every resource-family kind.
var (
	ErrCloud    = errors.New("cloudsync: cloud error")
	ErrResource = errors.New("cloudsync: resource error")
)

// Kind sentinels. ErrInvalidResponse is a specialization of
// ErrCommunication, so errors.Is(err, ErrCommunication) also holds for it.
var (
	ErrAuthorizationFailed = errors.New("cloudsync: authorization failed")
	ErrCommunication       = errors.New("cloudsync: communication with the provider failed")
	ErrInvalidResponse     = errors.New("cloudsync: invalid response from provider")
	ErrNoSuchResource      = errors.New("cloudsync: no such resource")
	ErrPermissionDenied    = errors.New("cloudsync: permission denied")
	ErrResourceHasChanged  = errors.New("cloudsync: resource has changed")
	ErrResourceConflict    = errors.New("cloudsync: resource conflict")
)

// Invalid-argument conditions. These are programming or configuration
// errors and deliberately sit outside the Kind taxonomy.
var (
	ErrUnknownProvider  = errors.New("cloudsync: unknown provider")
	ErrInvalidPath      = errors.New("cloudsync: invalid path")
	ErrNotSupported     = errors.New("cloudsync: operation not supported by provider")
	ErrCredentialsInUse = errors.New("cloudsync: credentials are bound to another session")
	ErrNotAuthenticated = errors.New("cloudsync: session is not authenticated")
)

var kindNames = map[Kind]string{
	KindAuthorizationFailed: "AuthorizationFailed",
	KindCommunicationError:  "CommunicationError",
	KindInvalidResponse:     "InvalidResponse",
	KindNoSuchResource:      "NoSuchResource",
	KindPermissionDenied:    "PermissionDenied",
	KindResourceHasChanged:  "ResourceHasChanged",
	KindResourceConflict:    "ResourceConflict",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// Family reports which family the kind belongs to.
func (k Kind) Family() Family {
	switch k {
	case KindNoSuchResource, KindPermissionDenied, KindResourceHasChanged, KindResourceConflict:
		return FamilyResource
	default:
		return FamilyCloud
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindAuthorizationFailed:
		return ErrAuthorizationFailed
	case KindCommunicationError:
		return ErrCommunication
	case KindInvalidResponse:
		return ErrInvalidResponse
	case KindNoSuchResource:
		return ErrNoSuchResource
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindResourceHasChanged:
		return ErrResourceHasChanged
	case KindResourceConflict:
		return ErrResourceConflict
	default:
		return ErrCommunication
	}
}

// Error is the single error type surfaced by remote operations.
type Error struct {
	Kind Kind
	Op   string // operation name, e.g. "list" or "rename"
	Path string // resource path; empty for session-level failures
	Err  error  // underlying provider or transport error, may be nil
}

// NewError builds an *Error. Backends use it to report classified failures.
func NewError(kind Kind, op, path string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: cause}
}

func (e *Error) Error() string {
	msg := "cloudsync: " + e.Kind.String()
	if e.Op != "" {
		msg += " during " + e.Op
	}

	if e.Path != "" {
		msg += " " + e.Path
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}

	return []error{e.Kind.sentinel(), e.Err}
}

// Is matches the family sentinels and the InvalidResponse ⊂
// CommunicationError specialization.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrCloud:
		return e.Kind.Family() == FamilyCloud
	case ErrResource:
		return e.Kind.Family() == FamilyResource
	case ErrCommunication:
		return e.Kind == KindCommunicationError || e.Kind == KindInvalidResponse
	default:
		return false
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}

	return 0, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// classify normalizes any error returned by a backend into exactly one
// leaf kind. Already classified errors keep their kind but gain op/path
// context when missing. Invalid-argument sentinels pass through untouched.
// Everything else, context cancellation and deadline expiry included, is a
// communication failure.
func classify(op, path string, err error) error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		if ce.Op != "" && ce.Path != "" {
			return ce
		}

		out := *ce
		if out.Op == "" {
			out.Op = op
		}

		if out.Path == "" {
			out.Path = path
		}

		return &out
	}

	if isInvalidArgument(err) {
		return err
	}

	return NewError(KindCommunicationError, op, path, err)
}

func isInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidPath) ||
		errors.Is(err, ErrNotSupported) ||
		errors.Is(err, ErrUnknownProvider) ||
		errors.Is(err, ErrCredentialsInUse)
}

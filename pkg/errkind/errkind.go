// Package errkind implements the error taxonomy used across the storage
// core: every fallible operation below the HTTP boundary returns (or wraps)
// one of these kinds so callers can decide whether to retry, surface the
// failure, or mark the node unhealthy.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for retry and health-tracking purposes.
type Kind int

const (
	// Unclassified is the zero value; callers never retry it, since
	// retrying an unknown failure is unsafe. HTTPStatus maps it to 500.
	Unclassified Kind = iota
	Transient
	Persistent
	Critical
	NotFound
	AlreadyExists
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Persistent:
		return "persistent"
	case Critical:
		return "critical"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unclassified"
	}
}

// Error wraps an underlying cause with a Kind and a stable code string for
// wire responses. It never carries a stack trace.
type Error struct {
	Kind    Kind
	Code    string
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match on Kind via the sentinel kind values below, and
// otherwise delegates to the wrapped cause.
func (e *Error) Is(target error) bool {
	if ke, ok := target.(*Error); ok && ke.Cause == nil {
		return e.Kind == ke.Kind
	}
	return errors.Is(e.Cause, target)
}

// New builds a classified error. op should name the failing operation
// (e.g. "lsm.Put", "persistence.checkpoint") for log correlation.
func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Code: kind.String(), Op: op, Message: message, Cause: cause}
}

func NewTransient(op, msg string, cause error) *Error     { return New(Transient, op, msg, cause) }
func NewPersistent(op, msg string, cause error) *Error    { return New(Persistent, op, msg, cause) }
func NewCritical(op, msg string, cause error) *Error      { return New(Critical, op, msg, cause) }
func NewNotFound(op, msg string, cause error) *Error      { return New(NotFound, op, msg, cause) }
func NewAlreadyExists(op, msg string, cause error) *Error { return New(AlreadyExists, op, msg, cause) }

// Classify maps common stdlib/OS-level failures into their Kind per spec
// §7's error taxonomy table. Unrecognized errors come back Unclassified so
// callers don't silently retry something they don't understand.
func Classify(err error) Kind {
	if err == nil {
		return Unclassified
	}
	switch {
	case errors.Is(err, errConnReset), errors.Is(err, errBusy), errors.Is(err, errTooManyOpenFiles),
		errors.Is(err, errTimeout), errors.Is(err, errConcurrentModification):
		return Transient
	case errors.Is(err, errAccessDenied), errors.Is(err, errNoSuchFile),
		errors.Is(err, errIllegalArgument), errors.Is(err, errCorrupted):
		return Persistent
	case errors.Is(err, errOutOfMemory), errors.Is(err, errStackOverflow), errors.Is(err, errFatal):
		return Critical
	default:
		return Unclassified
	}
}

// Sentinel causes a mock or real filesystem/network layer can wrap to drive
// Classify deterministically in tests (see pkg/persistence's retry tests).
var (
	errConnReset              = errors.New("connection reset")
	errBusy                   = errors.New("resource busy")
	errTooManyOpenFiles       = errors.New("too many open files")
	errTimeout                = errors.New("operation timed out")
	errConcurrentModification = errors.New("concurrent modification")
	errAccessDenied           = errors.New("access denied")
	errNoSuchFile             = errors.New("no such file")
	errIllegalArgument        = errors.New("illegal argument")
	errCorrupted              = errors.New("corrupted format")
	errOutOfMemory            = errors.New("out of memory")
	errStackOverflow          = errors.New("stack overflow")
	errFatal                  = errors.New("fatal error")
)

// ErrConnReset and friends are exported so other packages (and tests) can
// construct errors that Classify recognizes without reaching into this
// package's unexported sentinels directly.
var (
	ErrConnReset              = errConnReset
	ErrBusy                   = errBusy
	ErrTooManyOpenFiles       = errTooManyOpenFiles
	ErrTimeout                = errTimeout
	ErrConcurrentModification = errConcurrentModification
	ErrAccessDenied           = errAccessDenied
	ErrNoSuchFile             = errNoSuchFile
	ErrIllegalArgument        = errIllegalArgument
	ErrCorrupted              = errCorrupted
	ErrOutOfMemory            = errOutOfMemory
	ErrStackOverflow          = errStackOverflow
	ErrFatal                  = errFatal
)

// ClassifyOf returns the Kind carried by err, or Unclassified if err does
// not wrap an *Error.
func ClassifyOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return Unclassified
}

// HTTPStatus maps a classified error to the status codes in spec §7.
// unhealthy should reflect the current PersistenceScheduler health so a
// Critical-tainted node answers 503 even for requests unrelated to the
// original failure.
func HTTPStatus(err error, unhealthy bool) int {
	if unhealthy {
		return http.StatusServiceUnavailable
	}
	switch ClassifyOf(err) {
	case NotFound:
		return http.StatusNotFound
	case AlreadyExists:
		return http.StatusConflict
	case Persistent:
		return http.StatusBadRequest
	case Critical:
		return http.StatusServiceUnavailable
	case Transient:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

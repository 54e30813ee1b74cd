// internal/tradeerr/errors.go
package tradeerr

import (
	"errors"
	"fmt"
)

// Kind classifies a trading failure. Every failure that crosses a component
// boundary carries exactly one kind.
type Kind string

const (
	KindUnknown          Kind = ""
	KindConfiguration    Kind = "configuration"
	KindQuoteUnavailable Kind = "quote_unavailable"
	KindAdmissionDenied  Kind = "admission_denied"
	KindPartialExecution Kind = "partial_execution"
	KindExternalService  Kind = "external_service"
	KindPersistence      Kind = "persistence"
)

// Error is a classified failure with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// Sentinels for errors.Is checks. They match any *Error of the same kind.
var (
	ErrConfiguration    = &Error{Kind: KindConfiguration}
	ErrQuoteUnavailable = &Error{Kind: KindQuoteUnavailable}
	ErrAdmissionDenied  = &Error{Kind: KindAdmissionDenied}
	ErrPartialExecution = &Error{Kind: KindPartialExecution}
	ErrExternalService  = &Error{Kind: KindExternalService}
	ErrPersistence      = &Error{Kind: KindPersistence}
)

// New creates a classified error without a cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	var msg string
	switch {
	case e.Msg != "" && e.Err != nil:
		msg = e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		msg = e.Msg
	case e.Err != nil:
		msg = e.Err.Error()
	default:
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a bare sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op != "" || t.Msg != "" || t.Err != nil {
		return e == t
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures so callers can decide whether to recover, retry or surface them.
type Kind string

const (
	KindUnknown         Kind = "unknown"
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindPersistence     Kind = "persistence"
	KindIndex           Kind = "index"
	KindRetrieval       Kind = "retrieval"
	KindModel           Kind = "model"
	KindTitleGeneration Kind = "title_generation"
	// KindCanceled marks work abandoned because the caller went away or
	// gave up waiting.
	KindCanceled Kind = "canceled"
)

// Error is a classified error carrying the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind lets other packages' typed errors participate in KindOf.
func (e *Error) ErrorKind() Kind { return e.Kind }

type kinded interface {
	ErrorKind() Kind
}

func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf(format, args...)}
}

func Persistence(op string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

func Retrieval(op string, err error) error {
	return &Error{Kind: KindRetrieval, Op: op, Err: err}
}

func Model(op string, err error) error {
	return &Error{Kind: KindModel, Op: op, Err: err}
}

func Canceled(op string, err error) error {
	return &Error{Kind: KindCanceled, Op: op, Err: err}
}

// KindOf returns the outermost classification found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to the status code the API layer responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindIndex, KindModel, KindRetrieval:
		return http.StatusBadGateway
	case KindPersistence:
		return http.StatusServiceUnavailable
	case KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
